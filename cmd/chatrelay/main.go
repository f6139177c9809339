package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/chat"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/config"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/conversations"
	"github.com/papercomputeco/chatrelay/cmd/chatrelay/serve"
)

const rootLongDesc string = `chatrelay streams language model replies to chat clients.

The server relays each chat exchange to the configured upstream model,
forwarding the reply as it is generated, and stores conversations for
authenticated users. The chat client folds the streamed reply into the
conversation transcript and persists every finalized turn.`

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Streaming chat relay server and client",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cliconfig.AddPersistentFlags(cmd)

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(chatcmder.NewChatCmd())
	cmd.AddCommand(conversationscmder.NewConversationsCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		os.Exit(1)
	}
}
