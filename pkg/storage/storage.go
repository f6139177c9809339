// Package storage defines the conversation store: conversations owned by a
// user and the ordered messages persisted for each of them.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/merkle"
)

// DefaultTitle is given to conversations created without a title.
const DefaultTitle = "New Conversation"

// Conversation groups the messages of one chat thread.
type Conversation struct {
	ID        string    `json:"conversation_id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;not null"`
	Title     string    `json:"title" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a persisted Turn. MessageNum orders messages inside their
// conversation and is unique there.
type Message struct {
	ID             uint     `json:"-" gorm:"primaryKey"`
	ConversationID string   `json:"conversation_id" gorm:"size:36;not null;uniqueIndex:idx_conversation_message_num"`
	MessageNum     int      `json:"message_num" gorm:"not null;uniqueIndex:idx_conversation_message_num"`
	Role           llm.Role `json:"role" gorm:"size:16;not null"`
	Content        string   `json:"content"`

	// Hash content-addresses the message and chains it to the previous
	// message of the conversation.
	Hash       string  `json:"hash" gorm:"size:64"`
	ParentHash *string `json:"parent_hash,omitempty" gorm:"size:64"`

	CreatedAt time.Time `json:"created_at"`
}

// Turn returns the message as a transcript turn.
func (m *Message) Turn() llm.Turn {
	return llm.Turn{Role: m.Role, Content: m.Content}
}

// Driver persists conversations and their messages.
type Driver interface {
	// CreateConversation creates an empty conversation owned by userID.
	// An empty title is replaced by DefaultTitle.
	CreateConversation(ctx context.Context, userID, title string) (*Conversation, error)

	// GetConversation returns ErrNotFound if the conversation doesn't exist.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the user's conversations, newest first.
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// RenameConversation changes the title of a conversation.
	RenameConversation(ctx context.Context, id, title string) (*Conversation, error)

	// DeleteConversation removes a conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	// PutMessage stores a message. If an identical message already occupies
	// its MessageNum this is a no-op returning the stored copy and false;
	// a different message there yields ErrConflict.
	PutMessage(ctx context.Context, msg *Message) (*Message, bool, error)

	// ListMessages returns a conversation's messages ordered by MessageNum.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close closes the store and releases any resources.
	Close() error
}

// ErrNotFound is returned when a conversation doesn't exist in the store.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e ErrNotFound) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "record"
	}
	if e.ID == "" {
		return kind + " not found"
	}

	return kind + " not found: " + e.ID
}

// ErrConflict is returned when a different message already holds a
// conversation's message number.
type ErrConflict struct {
	ConversationID string
	MessageNum     int
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("message %d of conversation %s already exists with different content", e.MessageNum, e.ConversationID)
}

// NewID returns a new conversation identifier.
func NewID() string {
	return uuid.NewString()
}

// SameContent reports whether two messages carry the same turn.
func SameContent(a, b *Message) bool {
	return a.Role == b.Role && a.Content == b.Content
}

type messageContent struct {
	MessageNum int      `json:"message_num"`
	Role       llm.Role `json:"role"`
	Content    string   `json:"content"`
}

func (m *Message) node(parentHash *string) *merkle.Node {
	return merkle.NewNode(messageContent{
		MessageNum: m.MessageNum,
		Role:       m.Role,
		Content:    m.Content,
	}, parentHash)
}

// Seal computes the message hash, chaining it to parentHash (the hash of
// the closest earlier message, nil for the first one).
func Seal(m *Message, parentHash *string) {
	n := m.node(parentHash)
	m.Hash = n.Hash
	m.ParentHash = n.ParentHash
}

// Verify checks that messages, ordered by MessageNum, form an intact hash
// chain.
func Verify(messages []*Message) error {
	nodes := make([]*merkle.Node, len(messages))
	for i, m := range messages {
		n := m.node(m.ParentHash)
		// Keep the stored hash so tampered content is detected.
		n.Hash = m.Hash
		nodes[i] = n
	}
	return merkle.Verify(nodes)
}
