// Package chat folds a streamed model reply into a conversation transcript.
//
// A Session owns one conversation view: its transcript and the state of the
// exchange in flight. Exchanges move idle → streaming → finalized | failed;
// only one may be streaming at a time.
package chat

import (
	"errors"
	"strings"
	"sync"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// State is the state of a Session's current exchange.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrExchangeInFlight is returned by Submit while a reply is streaming.
	ErrExchangeInFlight = errors.New("a reply is still streaming")

	// ErrNotStreaming is returned by Finish when no exchange was started.
	ErrNotStreaming = errors.New("no reply is streaming")
)

// Entry is a transcript turn together with its message number in the
// conversation store.
type Entry struct {
	MessageNum int
	llm.Turn
}

// Session is the state of one conversation view. It is safe for a UI to
// read it while a stream is being applied.
type Session struct {
	mu sync.Mutex

	conversationID string
	transcript     []llm.Turn
	nextNum        int

	state       State
	decoder     *Decoder
	replying    bool
	interrupted bool
	final       Entry
}

// NewSession creates a Session for a conversation, seeded with its stored
// messages in message number order. conversationID may be empty for a
// conversation that is never persisted.
func NewSession(conversationID string, history []*storage.Message) *Session {
	s := &Session{
		conversationID: conversationID,
		transcript:     make([]llm.Turn, 0, len(history)+2),
		decoder:        NewDecoder(),
	}
	for _, m := range history {
		s.transcript = append(s.transcript, m.Turn())
		if m.MessageNum >= s.nextNum {
			s.nextNum = m.MessageNum + 1
		}
	}
	return s
}

func (s *Session) ConversationID() string {
	return s.conversationID
}

// Transcript returns a copy of the current transcript.
func (s *Session) Transcript() []llm.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Turn(nil), s.transcript...)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interrupted reports whether the last turn is the partial reply of a failed
// exchange. Such a turn is shown but never persisted.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// Submit starts an exchange by appending a user turn. It returns the new
// turn and the transcript to send to the relay.
//
// A partial reply left by an interrupted exchange is dropped first, so the
// transcript only ever carries complete turns upstream.
func (s *Session) Submit(content string) (Entry, []llm.Turn, error) {
	if strings.TrimSpace(content) == "" {
		return Entry{}, nil, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		return Entry{}, nil, ErrExchangeInFlight
	}

	if s.interrupted {
		s.transcript = s.transcript[:len(s.transcript)-1]
		s.interrupted = false
	}

	user := Entry{
		MessageNum: s.nextNum,
		Turn:       llm.Turn{Role: llm.RoleUser, Content: content},
	}
	s.nextNum++
	s.transcript = append(s.transcript, user.Turn)

	s.state = StateStreaming
	s.replying = false
	s.final = Entry{}
	s.decoder = NewDecoder()

	return user, append([]llm.Turn(nil), s.transcript...), nil
}

// Apply folds one stream chunk into the transcript. The first chunk carrying
// text appends an assistant turn; later ones extend it. It reports whether
// the transcript changed. Chunks are ignored unless an exchange is streaming.
func (s *Session) Apply(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return false
	}
	return s.appendText(s.decoder.Decode(chunk))
}

func (s *Session) appendText(text string) bool {
	if text == "" {
		return false
	}

	if !s.replying {
		s.transcript = append(s.transcript, llm.Turn{Role: llm.RoleAssistant, Content: text})
		s.replying = true
		return true
	}

	last := &s.transcript[len(s.transcript)-1]
	last.Content += text
	return true
}

// Finish ends the exchange after a clean end of stream and returns the
// finalized assistant turn. A reply that produced no text still yields an
// (empty) assistant turn. Calling Finish again returns the same turn and
// leaves the transcript alone.
func (s *Session) Finish() (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateFinalized:
		return s.final, nil
	case StateStreaming:
	default:
		return Entry{}, ErrNotStreaming
	}

	s.appendText(s.decoder.Flush())
	if !s.replying {
		s.transcript = append(s.transcript, llm.Turn{Role: llm.RoleAssistant})
		s.replying = true
	}

	s.final = Entry{
		MessageNum: s.nextNum,
		Turn:       s.transcript[len(s.transcript)-1],
	}
	s.nextNum++
	s.state = StateFinalized

	return s.final, nil
}

// Fail ends the exchange after err. If no text had arrived the transcript is
// unchanged and err is returned as is. Otherwise the partial reply stays in
// the transcript, is marked interrupted and the returned error is an
// *llm.StreamInterruptedError.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return err
	}

	s.state = StateFailed
	if !s.replying {
		return err
	}

	s.appendText(s.decoder.Flush())
	s.interrupted = true
	return &llm.StreamInterruptedError{
		Partial: s.transcript[len(s.transcript)-1].Content,
		Err:     err,
	}
}
