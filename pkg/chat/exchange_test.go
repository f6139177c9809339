package chat_test

import (
	"context"
	"errors"
	"io"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/chat"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
)

// chunkStream returns one chunk per Read, then err (io.EOF when nil).
type chunkStream struct {
	chunks [][]byte
	err    error
	closed bool
}

func newChunkStream(err error, chunks ...string) *chunkStream {
	s := &chunkStream{err: err}
	for _, c := range chunks {
		s.chunks = append(s.chunks, []byte(c))
	}
	return s
}

func (s *chunkStream) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *chunkStream) Close() error {
	s.closed = true
	return nil
}

type fakeRelay struct {
	stream  io.ReadCloser
	err     error
	sent    [][]llm.Turn
	started chan struct{}
	release chan struct{}
}

func (r *fakeRelay) Chat(ctx context.Context, transcript []llm.Turn) (io.ReadCloser, error) {
	r.sent = append(r.sent, transcript)
	if r.started != nil {
		close(r.started)
		<-r.release
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.stream, nil
}

// storeRecorder records turns into a storage.Driver.
type storeRecorder struct {
	driver storage.Driver
	err    error
}

func (r *storeRecorder) PutMessage(ctx context.Context, conversationID string, messageNum int, turn llm.Turn) (*storage.Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	msg, _, err := r.driver.PutMessage(ctx, &storage.Message{
		ConversationID: conversationID,
		MessageNum:     messageNum,
		Role:           turn.Role,
		Content:        turn.Content,
	})
	return msg, err
}

var _ = Describe("Exchanger", func() {
	var (
		ctx      context.Context
		driver   *inmemory.Driver
		recorder *storeRecorder
		relay    *fakeRelay
		session  *chat.Session
		updates  int
		onUpdate func()
	)

	stored := func() []llm.Turn {
		messages, err := driver.ListMessages(ctx, session.ConversationID())
		Expect(err).NotTo(HaveOccurred())
		turns := make([]llm.Turn, len(messages))
		for i, m := range messages {
			turns[i] = m.Turn()
		}
		return turns
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		recorder = &storeRecorder{driver: driver}
		relay = &fakeRelay{}
		updates = 0
		onUpdate = func() { updates++ }

		conv, err := driver.CreateConversation(ctx, "alice", "")
		Expect(err).NotTo(HaveOccurred())
		session = chat.NewSession(conv.ID, nil)
	})

	send := func(content string) (chat.Entry, error) {
		return chat.NewExchanger(relay, recorder, zap.NewNop()).Send(ctx, session, content, onUpdate)
	}

	It("streams a reply into the transcript and persists both turns", func() {
		stream := newChunkStream(nil, "He", "llo", "!")
		relay.stream = stream

		reply, err := send("hi")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal(chat.Entry{MessageNum: 1, Turn: assistant("Hello!")}))

		Expect(relay.sent).To(Equal([][]llm.Turn{{user("hi")}}))
		Expect(session.Transcript()).To(Equal([]llm.Turn{user("hi"), assistant("Hello!")}))
		Expect(session.State()).To(Equal(chat.StateFinalized))
		Expect(stored()).To(Equal([]llm.Turn{user("hi"), assistant("Hello!")}))
		Expect(stream.closed).To(BeTrue())
		Expect(updates).To(BeNumerically(">=", 4))
	})

	It("sends the whole transcript on the next exchange", func() {
		relay.stream = newChunkStream(nil, "Hello!")
		_, err := send("hi")
		Expect(err).NotTo(HaveOccurred())

		relay.stream = newChunkStream(nil, "Fine.")
		_, err = send("how are you?")
		Expect(err).NotTo(HaveOccurred())

		Expect(relay.sent[1]).To(Equal([]llm.Turn{user("hi"), assistant("Hello!"), user("how are you?")}))
		Expect(stored()).To(HaveLen(4))
	})

	It("adds no assistant turn when the relay rejects the exchange", func() {
		relay.err = &llm.UpstreamError{Status: 502, Message: "upstream request failed"}

		_, err := send("hi")
		var upstreamErr *llm.UpstreamError
		Expect(errors.As(err, &upstreamErr)).To(BeTrue())

		Expect(session.Transcript()).To(Equal([]llm.Turn{user("hi")}))
		Expect(session.State()).To(Equal(chat.StateFailed))
		Expect(stored()).To(Equal([]llm.Turn{user("hi")}))
	})

	It("keeps an interrupted reply visible but does not persist it", func() {
		relay.stream = newChunkStream(io.ErrUnexpectedEOF, "Par")

		_, err := send("hi")
		var interrupted *llm.StreamInterruptedError
		Expect(errors.As(err, &interrupted)).To(BeTrue())
		Expect(interrupted.Partial).To(Equal("Par"))

		Expect(session.Transcript()).To(Equal([]llm.Turn{user("hi"), assistant("Par")}))
		Expect(session.Interrupted()).To(BeTrue())
		Expect(stored()).To(Equal([]llm.Turn{user("hi")}))
	})

	It("persists the retry after an interrupted reply in order", func() {
		relay.stream = newChunkStream(io.ErrUnexpectedEOF, "Par")
		_, _ = send("hi")

		relay.stream = newChunkStream(nil, "Complete")
		reply, err := send("again")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.MessageNum).To(Equal(2))

		Expect(relay.sent[1]).To(Equal([]llm.Turn{user("hi"), user("again")}))
		Expect(stored()).To(Equal([]llm.Turn{user("hi"), user("again"), assistant("Complete")}))
		Expect(storage.Verify(mustList(ctx, driver, session.ConversationID()))).To(Succeed())
	})

	It("does not call the relay when the user turn cannot be persisted", func() {
		recorder.err = errors.New("store unavailable")

		_, err := send("hi")
		Expect(err).To(MatchError(ContainSubstring("persisting user message")))
		Expect(relay.sent).To(BeEmpty())
		Expect(session.State()).To(Equal(chat.StateFailed))
	})

	It("reports a failed assistant persist but keeps the reply", func() {
		relay.stream = newChunkStream(nil, "Hello!")
		_, _, err := driver.PutMessage(ctx, &storage.Message{
			ConversationID: session.ConversationID(),
			MessageNum:     1,
			Role:           llm.RoleAssistant,
			Content:        "someone else's reply",
		})
		Expect(err).NotTo(HaveOccurred())

		reply, err := send("hi")
		Expect(err).To(MatchError(ContainSubstring("persisting assistant message")))
		Expect(reply.Turn).To(Equal(assistant("Hello!")))
		Expect(session.State()).To(Equal(chat.StateFinalized))
	})

	It("works without a recorder", func() {
		relay.stream = newChunkStream(nil, "ok")

		reply, err := chat.NewExchanger(relay, nil, zap.NewNop()).Send(ctx, session, "hi", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Content).To(Equal("ok"))
		Expect(stored()).To(BeEmpty())
	})

	It("rejects input submitted while a reply is streaming", func() {
		relay.stream = newChunkStream(nil, "slow")
		relay.started = make(chan struct{})
		relay.release = make(chan struct{})
		exchanger := chat.NewExchanger(relay, recorder, zap.NewNop())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			_, err := exchanger.Send(ctx, session, "first", nil)
			Expect(err).NotTo(HaveOccurred())
		}()

		<-relay.started
		_, err := exchanger.Send(ctx, session, "second", nil)
		Expect(err).To(MatchError(chat.ErrExchangeInFlight))

		close(relay.release)
		wg.Wait()
		Expect(session.Transcript()).To(Equal([]llm.Turn{user("first"), assistant("slow")}))
	})

	It("rejects empty input without contacting anything", func() {
		_, err := send("")
		Expect(err).To(MatchError(chat.ErrEmptyMessage))
		Expect(relay.sent).To(BeEmpty())
		Expect(stored()).To(BeEmpty())
	})
})

var _ = Describe("Consume", func() {
	It("stops and fails the exchange when the context is cancelled", func() {
		s := chat.NewSession("", nil)
		_, _, err := s.Submit("hi")
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = chat.Consume(ctx, newChunkStream(nil, "never"), s, nil)
		Expect(err).To(MatchError(context.Canceled))
		Expect(s.State()).To(Equal(chat.StateFailed))
		Expect(s.Transcript()).To(Equal([]llm.Turn{user("hi")}))
	})

	It("finalizes the concatenation of all chunks", func() {
		s := chat.NewSession("", nil)
		_, _, _ = s.Submit("hi")

		raw := []byte("naïve café 😀")
		chunks := make([]string, len(raw))
		for i, b := range raw {
			chunks[i] = string([]byte{b})
		}

		reply, err := chat.Consume(context.Background(), newChunkStream(nil, chunks...), s, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply.Content).To(Equal("naïve café 😀"))
	})
})

func mustList(ctx context.Context, d storage.Driver, id string) []*storage.Message {
	messages, err := d.ListMessages(ctx, id)
	Expect(err).NotTo(HaveOccurred())
	return messages
}
