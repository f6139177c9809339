// Package cliconfig holds the flags shared by every chatrelay command and
// turns them into a loaded configuration.
package cliconfig

import (
	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/pkg/config"
)

const (
	ConfigFlag = "config"
	DebugFlag  = "debug"
)

// AddPersistentFlags registers the shared flags on the root command.
func AddPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String(ConfigFlag, "", "Path to config file (default: ./chatrelay.toml or ~/.chatrelay/chatrelay.toml)")
	cmd.PersistentFlags().Bool(DebugFlag, false, "Enable debug logging")
}

// Load reads the configuration selected by --config.
func Load(cmd *cobra.Command) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(stringFlag(cmd, ConfigFlag))
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// Debug reports whether --debug was given.
func Debug(cmd *cobra.Command) bool {
	f := cmd.Flags().Lookup(DebugFlag)
	return f != nil && f.Value.String() == "true"
}

// Override replaces *dst with the named flag's value when the flag was set.
func Override(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst = stringFlag(cmd, name)
	}
}

func stringFlag(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}
