package servecmder_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	servecmder "github.com/papercomputeco/chatrelay/cmd/chatrelay/serve"
)

const configTemplate = `
[server]
listen = %q

[upstream]
provider = "text"
url = %q
model = "test-model"

[storage]
sqlite_path = %q

[[auth.sessions]]
token = "alpha-token"
user_id = "alice"
%s`

var _ = Describe("Serve Command", func() {
	var (
		tmpDir     string
		configPath string
		listen     string
		upstream   *httptest.Server
		cancel     context.CancelFunc
		done       chan error
	)

	writeConfig := func(extra string) {
		contents := fmt.Sprintf(configTemplate, listen, upstream.URL, filepath.Join(tmpDir, "chatrelay.db"), extra)
		Expect(os.WriteFile(configPath, []byte(contents), 0o600)).To(Succeed())
	}

	chatAs := func(token string) (int, string) {
		req, err := http.NewRequest(http.MethodPost, "http://"+listen+"/api/chat",
			bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`))
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return 0, err.Error()
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "chatrelay-serve-test-*")
		Expect(err).NotTo(HaveOccurred())
		configPath = filepath.Join(tmpDir, "chatrelay.toml")

		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "Hello!")
		}))

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		listen = ln.Addr().String()
		Expect(ln.Close()).To(Succeed())

		writeConfig("")

		cmd := servecmder.NewServeCmd()
		cliconfig.AddPersistentFlags(cmd)
		cmd.SetArgs([]string{"--config", configPath})
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() {
			done <- cmd.ExecuteContext(ctx)
		}()

		Eventually(func() (int, error) {
			resp, err := http.Get("http://" + listen + "/health")
			if err != nil {
				return 0, err
			}
			resp.Body.Close()
			return resp.StatusCode, nil
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(http.StatusOK))
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 15*time.Second).Should(Receive(BeNil()))
		upstream.Close()
		os.RemoveAll(tmpDir)
	})

	It("relays chat for configured sessions", func() {
		status, body := chatAs("alpha-token")
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(Equal("Hello!"))
	})

	It("rejects unknown tokens", func() {
		status, _ := chatAs("bravo-token")
		Expect(status).To(Equal(http.StatusUnauthorized))
	})

	It("picks up new sessions when the config file changes", func() {
		writeConfig(`
[[auth.sessions]]
token = "bravo-token"
user_id = "bob"
`)

		Eventually(func() int {
			status, _ := chatAs("bravo-token")
			return status
		}, 5*time.Second, 100*time.Millisecond).Should(Equal(http.StatusOK))
	})

	It("stores conversations in the configured database", func() {
		req, err := http.NewRequest(http.MethodPost, "http://"+listen+"/api/conversations", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Authorization", "Bearer alpha-token")

		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		Expect(filepath.Join(tmpDir, "chatrelay.db")).To(BeAnExistingFile())
	})
})
