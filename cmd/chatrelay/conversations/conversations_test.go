package conversationscmder_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	conversationscmder "github.com/papercomputeco/chatrelay/cmd/chatrelay/conversations"
	"github.com/papercomputeco/chatrelay/pkg/auth"
	"github.com/papercomputeco/chatrelay/pkg/client"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
	"github.com/papercomputeco/chatrelay/relay"
)

var _ = Describe("Conversations Command", func() {
	var (
		tmpDir     string
		configPath string
		serverURL  string
		srv        *relay.Server
		upstreamTS *httptest.Server
		cl         *client.Client
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "chatrelay-conversations-test-*")
		Expect(err).NotTo(HaveOccurred())
		configPath = filepath.Join(tmpDir, "chatrelay.toml")
		Expect(os.WriteFile(configPath, []byte("[client]\ntoken = \"alpha-token\"\n"), 0o600)).To(Succeed())

		upstreamTS = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}))

		logger := zap.NewNop()
		completer, err := upstream.New(upstream.Config{Provider: upstream.ProviderText, URL: upstreamTS.URL}, logger)
		Expect(err).NotTo(HaveOccurred())

		sessions := auth.NewSessions([]auth.Session{{Token: "alpha-token", UserID: "alice"}})
		srv, err = relay.New(relay.Config{Model: "test-model"}, completer, inmemory.NewDriver(), sessions, logger)
		Expect(err).NotTo(HaveOccurred())

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		serverURL = "http://" + ln.Addr().String()
		go func() { _ = srv.RunListener(ln) }()

		cl = client.New(serverURL, "alpha-token")
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(srv.Shutdown(ctx)).To(Succeed())
		upstreamTS.Close()
		os.RemoveAll(tmpDir)
	})

	run := func(args ...string) (string, error) {
		cmd := conversationscmder.NewConversationsCmd()
		cliconfig.AddPersistentFlags(cmd)

		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(append(args, "--config", configPath, "--server", serverURL))

		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	It("reports when there are no conversations", func() {
		out, err := run("list")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("No conversations."))
	})

	It("creates and lists conversations", func() {
		out, err := run("create", "Trip planning")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).NotTo(BeEmpty())

		convs, err := cl.ListConversations(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(convs).To(HaveLen(1))
		Expect(convs[0].Title).To(Equal("Trip planning"))

		out, err = run("list")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("TITLE"))
		Expect(out).To(ContainSubstring(convs[0].ID))
		Expect(out).To(ContainSubstring("Trip planning"))
	})

	It("renames a conversation", func() {
		conv, err := cl.CreateConversation(context.Background(), "before")
		Expect(err).NotTo(HaveOccurred())

		out, err := run("rename", conv.ID, "after")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring(`"after"`))

		convs, err := cl.ListConversations(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(convs[0].Title).To(Equal("after"))
	})

	It("deletes a conversation", func() {
		conv, err := cl.CreateConversation(context.Background(), "doomed")
		Expect(err).NotTo(HaveOccurred())

		_, err = run("delete", conv.ID)
		Expect(err).NotTo(HaveOccurred())

		convs, err := cl.ListConversations(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(convs).To(BeEmpty())
	})

	It("fails for an unknown conversation", func() {
		_, err := run("delete", "missing")
		Expect(err).To(MatchError(ContainSubstring("could not delete conversation")))
		Expect(err).To(MatchError(storage.ErrNotFound{Kind: "conversation", ID: "missing"}))
	})

	It("shows messages and verifies the chain", func() {
		ctx := context.Background()
		conv, err := cl.CreateConversation(ctx, "chat")
		Expect(err).NotTo(HaveOccurred())
		_, err = cl.PutMessage(ctx, conv.ID, 0, llm.Turn{Role: llm.RoleUser, Content: "hi"})
		Expect(err).NotTo(HaveOccurred())
		_, err = cl.PutMessage(ctx, conv.ID, 1, llm.Turn{Role: llm.RoleAssistant, Content: "hello there"})
		Expect(err).NotTo(HaveOccurred())

		out, err := run("show", conv.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(ContainSubstring("[0] user"))
		Expect(out).To(ContainSubstring("hello there"))
		Expect(out).To(ContainSubstring("2 messages, hash chain verified"))
	})

	It("honours the token flag", func() {
		_, err := run("list", "--token", "wrong-token")
		var authErr *llm.AuthError
		Expect(errors.As(err, &authErr)).To(BeTrue())
	})
})
