package chat

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// Relayer opens a reply stream for a transcript.
type Relayer interface {
	// Chat returns the reply as a raw UTF-8 byte stream. A non-nil error
	// means the exchange never started.
	Chat(ctx context.Context, transcript []llm.Turn) (io.ReadCloser, error)
}

// Recorder persists turns to the conversation store.
type Recorder interface {
	PutMessage(ctx context.Context, conversationID string, messageNum int, turn llm.Turn) (*storage.Message, error)
}

// Exchanger runs exchanges for Sessions: it persists the user turn, streams
// the reply into the transcript and persists the reply once it is final.
type Exchanger struct {
	relay    Relayer
	recorder Recorder
	logger   *zap.Logger
}

// NewExchanger creates an Exchanger. With a nil recorder, or for sessions
// without a conversation id, nothing is persisted.
func NewExchanger(relay Relayer, recorder Recorder, logger *zap.Logger) *Exchanger {
	return &Exchanger{
		relay:    relay,
		recorder: recorder,
		logger:   logger,
	}
}

// Send submits content as a new user turn of s and streams the reply into
// the transcript, calling onUpdate after every visible change. It returns
// the finalized reply.
//
// A reply that fails part way stays visible in the transcript and is
// reported as an *llm.StreamInterruptedError; it is never persisted.
func (e *Exchanger) Send(ctx context.Context, s *Session, content string, onUpdate func()) (Entry, error) {
	user, transcript, err := s.Submit(content)
	if err != nil {
		return Entry{}, err
	}
	if onUpdate != nil {
		onUpdate()
	}

	if err := e.record(ctx, s, user); err != nil {
		err = s.Fail(fmt.Errorf("persisting user message: %w", err))
		if onUpdate != nil {
			onUpdate()
		}
		return Entry{}, err
	}

	e.logger.Debug("sending transcript",
		zap.String("conversation_id", s.ConversationID()),
		zap.Int("turns", len(transcript)),
	)

	body, err := e.relay.Chat(ctx, transcript)
	if err != nil {
		err = s.Fail(err)
		if onUpdate != nil {
			onUpdate()
		}
		e.logger.Error("relay request failed", zap.Error(err))
		return Entry{}, err
	}
	defer body.Close()

	reply, err := Consume(ctx, body, s, onUpdate)
	if err != nil {
		e.logger.Warn("reply stream failed", zap.Error(err))
		return Entry{}, err
	}

	e.logger.Debug("reply finalized",
		zap.Int("message_num", reply.MessageNum),
		zap.Int("bytes", len(reply.Content)),
	)

	if err := e.record(ctx, s, reply); err != nil {
		return reply, fmt.Errorf("persisting assistant message: %w", err)
	}
	return reply, nil
}

func (e *Exchanger) record(ctx context.Context, s *Session, entry Entry) error {
	if e.recorder == nil || s.ConversationID() == "" {
		return nil
	}

	msg, err := e.recorder.PutMessage(ctx, s.ConversationID(), entry.MessageNum, entry.Turn)
	if err != nil {
		return err
	}

	e.logger.Debug("message persisted",
		zap.String("conversation_id", msg.ConversationID),
		zap.Int("message_num", msg.MessageNum),
		zap.String("hash", msg.Hash),
	)
	return nil
}
