package chatcmder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	"github.com/papercomputeco/chatrelay/pkg/chat"
	"github.com/papercomputeco/chatrelay/pkg/client"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/logger"
	"github.com/papercomputeco/chatrelay/pkg/tui"
)

const chatLongDesc string = `Chat with the model behind a chatrelay server.

Replies stream into the transcript as they are generated. Every turn
is stored in the conversation once it is complete; a reply that breaks
off part way is shown as incomplete and is not stored.

On a terminal this opens an interactive view. Otherwise each input line
is sent as a message and the reply is written to stdout.

Examples:
  chatrelay chat
  chatrelay chat --conversation 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed
  chatrelay chat --new --title "Trip planning"
  echo "hello" | chatrelay chat --server http://relay:8080 --token $TOKEN`

const chatShortDesc string = "Chat through a relay server"

type chatCommander struct {
	newConversation bool
	title           string
	logFile         string
	plain           bool
}

func NewChatCmd() *cobra.Command {
	cmder := &chatCommander{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: chatShortDesc,
		Long:  chatLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().String("server", "", "Relay server URL (overrides client.server_url)")
	cmd.Flags().String("token", "", "Bearer token (overrides client.token)")
	cmd.Flags().StringP("conversation", "c", "", "Conversation to continue (overrides client.conversation_id)")
	cmd.Flags().BoolVar(&cmder.newConversation, "new", false, "Start a new conversation")
	cmd.Flags().StringVar(&cmder.title, "title", "", "Title for a new conversation")
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Write logs to this file")
	cmd.Flags().BoolVar(&cmder.plain, "plain", false, "Use line mode even on a terminal")

	return cmd
}

func (c *chatCommander) run(ctx context.Context, cmd *cobra.Command) error {
	_, cfg, err := cliconfig.Load(cmd)
	if err != nil {
		return err
	}
	cliconfig.Override(cmd, "server", &cfg.Client.ServerURL)
	cliconfig.Override(cmd, "token", &cfg.Client.Token)
	cliconfig.Override(cmd, "conversation", &cfg.Client.ConversationID)

	// The terminal belongs to the chat view, so logs only go to a file.
	log, closer, err := logger.NewFileLogger(c.logFile, cliconfig.Debug(cmd))
	if err != nil {
		return fmt.Errorf("could not open log file: %w", err)
	}
	defer closer.Close()
	defer log.Sync()

	cl := client.New(cfg.Client.ServerURL, cfg.Client.Token)

	session, title, err := c.openSession(ctx, cl, cfg.Client.ConversationID)
	if err != nil {
		return err
	}
	log.Info("chat session opened",
		zap.String("server", cfg.Client.ServerURL),
		zap.String("conversation_id", session.ConversationID()),
	)

	exchanger := chat.NewExchanger(cl, cl, log)

	if !c.plain && isTerminal(os.Stdin) && isTerminal(os.Stdout) {
		return tui.Run(ctx, exchanger, session, title)
	}
	return lineMode(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), exchanger, session)
}

// openSession continues conversationID, or creates a new conversation when
// none is given or --new is set.
func (c *chatCommander) openSession(ctx context.Context, cl *client.Client, conversationID string) (*chat.Session, string, error) {
	if c.newConversation || conversationID == "" {
		conv, err := cl.CreateConversation(ctx, c.title)
		if err != nil {
			return nil, "", fmt.Errorf("could not create conversation: %w", err)
		}
		return chat.NewSession(conv.ID, nil), conv.Title, nil
	}

	history, err := cl.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, "", fmt.Errorf("could not load conversation %s: %w", conversationID, err)
	}
	return chat.NewSession(conversationID, history), "", nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

var (
	promptColor    = color.New(color.FgBlue, color.Bold)
	assistantColor = color.New(color.FgGreen, color.Bold)
	warnColor      = color.New(color.FgRed)
)

// lineMode sends each input line as a message and writes the reply as it
// streams in.
func lineMode(ctx context.Context, in io.Reader, out io.Writer, exchanger *chat.Exchanger, session *chat.Session) error {
	scanner := bufio.NewScanner(in)

	for {
		promptColor.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		content := scanner.Text()
		if strings.TrimSpace(content) == "" {
			continue
		}

		assistantColor.Fprint(out, "assistant> ")
		printed := 0
		_, err := exchanger.Send(ctx, session, content, func() {
			turns := session.Transcript()
			last := turns[len(turns)-1]
			if last.Role != llm.RoleAssistant || len(last.Content) <= printed {
				return
			}
			fmt.Fprint(out, last.Content[printed:])
			printed = len(last.Content)
		})
		fmt.Fprintln(out)

		if err == nil {
			continue
		}

		var interrupted *llm.StreamInterruptedError
		var authErr *llm.AuthError
		switch {
		case errors.As(err, &interrupted):
			warnColor.Fprintf(out, "[incomplete response: %v]\n", interrupted.Err)
		case errors.As(err, &authErr):
			return err
		case errors.Is(err, context.Canceled):
			return nil
		default:
			warnColor.Fprintf(out, "[error: %v]\n", err)
		}
	}
}
