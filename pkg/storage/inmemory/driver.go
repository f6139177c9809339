// Package inmemory implements storage.Driver in process memory.
package inmemory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// Driver is an in-memory storage.Driver. Data is lost on Close.
type Driver struct {
	mu            sync.RWMutex
	conversations map[string]*storage.Conversation

	// messages per conversation, kept sorted by MessageNum
	messages map[string][]*storage.Message
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver creates an empty in-memory store.
func NewDriver() *Driver {
	return &Driver{
		conversations: make(map[string]*storage.Conversation),
		messages:      make(map[string][]*storage.Message),
	}
}

func (d *Driver) CreateConversation(_ context.Context, userID, title string) (*storage.Conversation, error) {
	if title == "" {
		title = storage.DefaultTitle
	}

	now := time.Now().UTC()
	c := &storage.Conversation{
		ID:        storage.NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conversations[c.ID] = c

	cp := *c
	return &cp, nil
}

func (d *Driver) GetConversation(_ context.Context, id string) (*storage.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound{Kind: "conversation", ID: id}
	}

	cp := *c
	return &cp, nil
}

func (d *Driver) ListConversations(_ context.Context, userID string) ([]*storage.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cs := make([]*storage.Conversation, 0)
	for _, c := range d.conversations {
		if c.UserID != userID {
			continue
		}
		cp := *c
		cs = append(cs, &cp)
	}

	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.After(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})

	return cs, nil
}

func (d *Driver) RenameConversation(_ context.Context, id, title string) (*storage.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound{Kind: "conversation", ID: id}
	}

	c.Title = title
	c.UpdatedAt = time.Now().UTC()

	cp := *c
	return &cp, nil
}

func (d *Driver) DeleteConversation(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conversations[id]; !ok {
		return storage.ErrNotFound{Kind: "conversation", ID: id}
	}

	delete(d.conversations, id)
	delete(d.messages, id)
	return nil
}

func (d *Driver) PutMessage(_ context.Context, msg *storage.Message) (*storage.Message, bool, error) {
	if msg == nil {
		return nil, false, errors.New("cannot store nil message")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conversations[msg.ConversationID]; !ok {
		return nil, false, storage.ErrNotFound{Kind: "conversation", ID: msg.ConversationID}
	}

	msgs := d.messages[msg.ConversationID]
	idx := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].MessageNum >= msg.MessageNum
	})

	if idx < len(msgs) && msgs[idx].MessageNum == msg.MessageNum {
		if !storage.SameContent(msgs[idx], msg) {
			return nil, false, storage.ErrConflict{ConversationID: msg.ConversationID, MessageNum: msg.MessageNum}
		}
		cp := *msgs[idx]
		return &cp, false, nil
	}

	var parentHash *string
	if idx > 0 {
		parentHash = &msgs[idx-1].Hash
	}

	m := &storage.Message{
		ConversationID: msg.ConversationID,
		MessageNum:     msg.MessageNum,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      time.Now().UTC(),
	}
	storage.Seal(m, parentHash)

	msgs = append(msgs, nil)
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = m
	d.messages[msg.ConversationID] = msgs

	cp := *m
	return &cp, true, nil
}

func (d *Driver) ListMessages(_ context.Context, conversationID string) ([]*storage.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	msgs := d.messages[conversationID]
	out := make([]*storage.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}

	return out, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conversations = make(map[string]*storage.Conversation)
	d.messages = make(map[string][]*storage.Message)
	return nil
}
