package configcmder

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	"github.com/papercomputeco/chatrelay/pkg/auth"
	"github.com/papercomputeco/chatrelay/pkg/config"
)

const configLongDesc string = `Create or inspect chatrelay configuration.

"config init" writes the default configuration to a file that
"chatrelay serve" and "chatrelay chat" pick up from the current directory.
"config show" prints the configuration in effect after the file,
environment variables and defaults are merged, with secrets hidden.`

const configShortDesc string = "Create or inspect chatrelay configuration"

const redacted = "<redacted>"

type configCommander struct {
	force bool
}

func NewConfigCmd() *cobra.Command {
	cmder := &configCommander{}

	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "chatrelay.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := cmder.init(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&cmder.force, "force", "f", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := cliconfig.Load(cmd)
			if err != nil {
				return err
			}
			if file := loader.File(); file != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", file)
			}
			return show(cmd.OutOrStdout(), cfg)
		},
	})

	return cmd
}

func (c *configCommander) init(path string) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if c.force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}
		return fmt.Errorf("could not create config file: %w", err)
	}

	if err := config.WriteDefault(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func show(w io.Writer, cfg *config.Config) error {
	out := *cfg
	if out.Upstream.APIKey != "" {
		out.Upstream.APIKey = redacted
	}
	if out.Client.Token != "" {
		out.Client.Token = redacted
	}
	out.Auth.Sessions = make([]auth.Session, len(cfg.Auth.Sessions))
	for i, s := range cfg.Auth.Sessions {
		out.Auth.Sessions[i] = auth.Session{Token: redacted, UserID: s.UserID}
	}

	if err := toml.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}
