// Package sqlite implements storage.Driver on SQLite through GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// Driver is a SQLite backed storage.Driver.
type Driver struct {
	db *gorm.DB
}

var _ storage.Driver = (*Driver)(nil)

// NewDriver opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for a throwaway database.
func NewDriver(ctx context.Context, path string) (*Driver, error) {
	db, err := gorm.Open(gormsqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&storage.Conversation{}, &storage.Message{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Driver{db: db}, nil
}

func (d *Driver) CreateConversation(ctx context.Context, userID, title string) (*storage.Conversation, error) {
	if title == "" {
		title = storage.DefaultTitle
	}

	c := &storage.Conversation{
		ID:     storage.NewID(),
		UserID: userID,
		Title:  title,
	}
	if err := d.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return c, nil
}

func (d *Driver) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	return getConversation(d.db.WithContext(ctx), id)
}

func getConversation(db *gorm.DB, id string) (*storage.Conversation, error) {
	var c storage.Conversation
	err := db.Where("id = ?", id).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound{Kind: "conversation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}

	return &c, nil
}

func (d *Driver) ListConversations(ctx context.Context, userID string) ([]*storage.Conversation, error) {
	var cs []*storage.Conversation
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id").
		Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return cs, nil
}

func (d *Driver) RenameConversation(ctx context.Context, id, title string) (*storage.Conversation, error) {
	var renamed *storage.Conversation
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := getConversation(tx, id)
		if err != nil {
			return err
		}

		if err := tx.Model(c).Update("title", title).Error; err != nil {
			return fmt.Errorf("renaming conversation: %w", err)
		}

		c.Title = title
		renamed = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return renamed, nil
}

func (d *Driver) DeleteConversation(ctx context.Context, id string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getConversation(tx, id); err != nil {
			return err
		}

		if err := tx.Where("conversation_id = ?", id).Delete(&storage.Message{}).Error; err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}

		if err := tx.Where("id = ?", id).Delete(&storage.Conversation{}).Error; err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}

		return nil
	})
}

func (d *Driver) PutMessage(ctx context.Context, msg *storage.Message) (*storage.Message, bool, error) {
	if msg == nil {
		return nil, false, errors.New("cannot store nil message")
	}

	var (
		stored  *storage.Message
		created bool
	)

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getConversation(tx, msg.ConversationID); err != nil {
			return err
		}

		var existing storage.Message
		err := tx.Where("conversation_id = ? AND message_num = ?", msg.ConversationID, msg.MessageNum).
			Take(&existing).Error
		switch {
		case err == nil:
			if !storage.SameContent(&existing, msg) {
				return storage.ErrConflict{ConversationID: msg.ConversationID, MessageNum: msg.MessageNum}
			}
			stored = &existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("looking up message: %w", err)
		}

		var parentHash *string
		var parent storage.Message
		err = tx.Where("conversation_id = ? AND message_num < ?", msg.ConversationID, msg.MessageNum).
			Order("message_num DESC").
			Take(&parent).Error
		switch {
		case err == nil:
			parentHash = &parent.Hash
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("looking up previous message: %w", err)
		}

		m := &storage.Message{
			ConversationID: msg.ConversationID,
			MessageNum:     msg.MessageNum,
			Role:           msg.Role,
			Content:        msg.Content,
		}
		storage.Seal(m, parentHash)

		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("creating message: %w", err)
		}

		stored = m
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

func (d *Driver) ListMessages(ctx context.Context, conversationID string) ([]*storage.Message, error) {
	var ms []*storage.Message
	err := d.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("message_num ASC").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return ms, nil
}

func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
