package conversationscmder

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	"github.com/papercomputeco/chatrelay/pkg/client"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
)

const conversationsLongDesc string = `Manage your conversations on a chatrelay server.

Examples:
  chatrelay conversations list
  chatrelay conversations create "Trip planning"
  chatrelay conversations rename <id> "Trip to Lisbon"
  chatrelay conversations show <id>
  chatrelay conversations delete <id>`

const conversationsShortDesc string = "List, create, rename, show and delete conversations"

type conversationsCommander struct{}

func NewConversationsCmd() *cobra.Command {
	cmder := &conversationsCommander{}

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   conversationsShortDesc,
		Long:    conversationsLongDesc,
	}

	cmd.PersistentFlags().String("server", "", "Relay server URL (overrides client.server_url)")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides client.token)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				return list(ctx, cl, cmd.OutOrStdout())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create [title]",
		Short: "Create a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			return cmder.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				conv, err := cl.CreateConversation(ctx, title)
				if err != nil {
					return fmt.Errorf("could not create conversation: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				conv, err := cl.RenameConversation(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("could not rename conversation: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", conv.ID, conv.Title)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				if err := cl.DeleteConversation(ctx, args[0]); err != nil {
					return fmt.Errorf("could not delete conversation: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation's messages and check their hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.withClient(cmd, func(ctx context.Context, cl *client.Client) error {
				return show(ctx, cl, cmd.OutOrStdout(), args[0])
			})
		},
	})

	return cmd
}

func (c *conversationsCommander) withClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	_, cfg, err := cliconfig.Load(cmd)
	if err != nil {
		return err
	}
	cliconfig.Override(cmd, "server", &cfg.Client.ServerURL)
	cliconfig.Override(cmd, "token", &cfg.Client.Token)

	return fn(cmd.Context(), client.New(cfg.Client.ServerURL, cfg.Client.Token))
}

func list(ctx context.Context, cl *client.Client, out io.Writer) error {
	convs, err := cl.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("could not list conversations: %w", err)
	}

	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations.")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "TITLE", "UPDATED")
	for _, conv := range convs {
		t.Row(conv.ID, conv.Title, conv.UpdatedAt.Local().Format(time.DateTime))
	}

	_, err = fmt.Fprintln(out, t.Render())
	return err
}

var (
	userColor      = color.New(color.FgBlue, color.Bold)
	assistantColor = color.New(color.FgGreen, color.Bold)
	systemColor    = color.New(color.Faint)
	okColor        = color.New(color.FgGreen)
	warnColor      = color.New(color.FgRed)
)

func show(ctx context.Context, cl *client.Client, out io.Writer, id string) error {
	messages, err := cl.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("could not load conversation: %w", err)
	}

	for _, m := range messages {
		roleColor(m.Role).Fprintf(out, "[%d] %s\n", m.MessageNum, m.Role)
		fmt.Fprintln(out, m.Content)
		fmt.Fprintln(out)
	}

	if err := storage.Verify(messages); err != nil {
		warnColor.Fprintf(out, "hash chain broken: %v\n", err)
		return err
	}
	okColor.Fprintf(out, "%d messages, hash chain verified\n", len(messages))
	return nil
}

func roleColor(role llm.Role) *color.Color {
	switch role {
	case llm.RoleUser:
		return userColor
	case llm.RoleAssistant:
		return assistantColor
	default:
		return systemColor
	}
}
