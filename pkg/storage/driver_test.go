package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
	"github.com/papercomputeco/chatrelay/pkg/storage/sqlite"
)

func message(conversationID string, num int, role llm.Role, content string) *storage.Message {
	return &storage.Message{
		ConversationID: conversationID,
		MessageNum:     num,
		Role:           role,
		Content:        content,
	}
}

// driverBehavior runs the same specs against every storage.Driver.
func driverBehavior(newDriver func() storage.Driver) {
	var (
		driver storage.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = newDriver()
	})

	AfterEach(func() {
		if driver != nil {
			driver.Close()
		}
	})

	Describe("conversations", func() {
		It("creates a conversation with the default title", func() {
			c, err := driver.CreateConversation(ctx, "frank", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.ID).NotTo(BeEmpty())
			Expect(c.UserID).To(Equal("frank"))
			Expect(c.Title).To(Equal(storage.DefaultTitle))

			got, err := driver.GetConversation(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.ID).To(Equal(c.ID))
			Expect(got.Title).To(Equal(storage.DefaultTitle))
		})

		It("returns ErrNotFound for a missing conversation", func() {
			_, err := driver.GetConversation(ctx, "nonexistent")
			Expect(err).To(HaveOccurred())

			var notFoundErr storage.ErrNotFound
			Expect(err).To(BeAssignableToTypeOf(notFoundErr))
		})

		It("lists only the user's conversations, newest first", func() {
			first, err := driver.CreateConversation(ctx, "frank", "first")
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(5 * time.Millisecond)
			second, err := driver.CreateConversation(ctx, "frank", "second")
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.CreateConversation(ctx, "alice", "other")
			Expect(err).NotTo(HaveOccurred())

			cs, err := driver.ListConversations(ctx, "frank")
			Expect(err).NotTo(HaveOccurred())
			Expect(cs).To(HaveLen(2))
			Expect(cs[0].ID).To(Equal(second.ID))
			Expect(cs[1].ID).To(Equal(first.ID))
		})

		It("renames a conversation", func() {
			c, err := driver.CreateConversation(ctx, "frank", "")
			Expect(err).NotTo(HaveOccurred())

			renamed, err := driver.RenameConversation(ctx, c.ID, "Go questions")
			Expect(err).NotTo(HaveOccurred())
			Expect(renamed.Title).To(Equal("Go questions"))

			got, err := driver.GetConversation(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Title).To(Equal("Go questions"))
		})

		It("deletes a conversation with its messages", func() {
			c, err := driver.CreateConversation(ctx, "frank", "")
			Expect(err).NotTo(HaveOccurred())
			_, _, err = driver.PutMessage(ctx, message(c.ID, 0, llm.RoleUser, "hi"))
			Expect(err).NotTo(HaveOccurred())

			Expect(driver.DeleteConversation(ctx, c.ID)).To(Succeed())

			_, err = driver.GetConversation(ctx, c.ID)
			Expect(err).To(BeAssignableToTypeOf(storage.ErrNotFound{}))

			msgs, err := driver.ListMessages(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(BeEmpty())
		})

		It("fails to delete a missing conversation", func() {
			err := driver.DeleteConversation(ctx, "nonexistent")
			Expect(err).To(BeAssignableToTypeOf(storage.ErrNotFound{}))
		})
	})

	Describe("messages", func() {
		var conversation *storage.Conversation

		BeforeEach(func() {
			var err error
			conversation, err = driver.CreateConversation(ctx, "frank", "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("lists messages ordered by message number", func() {
			_, _, err := driver.PutMessage(ctx, message(conversation.ID, 1, llm.RoleAssistant, "Hello!"))
			Expect(err).NotTo(HaveOccurred())
			_, _, err = driver.PutMessage(ctx, message(conversation.ID, 0, llm.RoleUser, "hi"))
			Expect(err).NotTo(HaveOccurred())

			msgs, err := driver.ListMessages(ctx, conversation.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].Turn()).To(Equal(llm.Turn{Role: llm.RoleUser, Content: "hi"}))
			Expect(msgs[1].Turn()).To(Equal(llm.Turn{Role: llm.RoleAssistant, Content: "Hello!"}))
		})

		It("chains message hashes", func() {
			user, created, err := driver.PutMessage(ctx, message(conversation.ID, 0, llm.RoleUser, "hi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			Expect(user.Hash).To(HaveLen(64))
			Expect(user.ParentHash).To(BeNil())

			reply, _, err := driver.PutMessage(ctx, message(conversation.ID, 1, llm.RoleAssistant, "Hello!"))
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.ParentHash).NotTo(BeNil())
			Expect(*reply.ParentHash).To(Equal(user.Hash))

			msgs, err := driver.ListMessages(ctx, conversation.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Verify(msgs)).To(Succeed())
		})

		It("is idempotent for identical puts", func() {
			first, created, err := driver.PutMessage(ctx, message(conversation.ID, 0, llm.RoleUser, "hi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())

			again, created, err := driver.PutMessage(ctx, message(conversation.ID, 0, llm.RoleUser, "hi"))
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(again.Hash).To(Equal(first.Hash))

			msgs, err := driver.ListMessages(ctx, conversation.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
		})

		It("rejects a different message at an occupied number", func() {
			_, _, err := driver.PutMessage(ctx, message(conversation.ID, 0, llm.RoleUser, "hi"))
			Expect(err).NotTo(HaveOccurred())

			_, _, err = driver.PutMessage(ctx, message(conversation.ID, 0, llm.RoleUser, "bye"))
			Expect(err).To(Equal(storage.ErrConflict{ConversationID: conversation.ID, MessageNum: 0}))
		})

		It("rejects messages for a missing conversation", func() {
			_, _, err := driver.PutMessage(ctx, message("nonexistent", 0, llm.RoleUser, "hi"))
			Expect(err).To(BeAssignableToTypeOf(storage.ErrNotFound{}))
		})

		It("rejects nil messages", func() {
			_, _, err := driver.PutMessage(ctx, nil)
			Expect(err).To(MatchError(ContainSubstring("nil message")))
		})
	})
}

var _ = Describe("inmemory.Driver", func() {
	driverBehavior(func() storage.Driver {
		return inmemory.NewDriver()
	})
})

var _ = Describe("sqlite.Driver", func() {
	driverBehavior(func() storage.Driver {
		d, err := sqlite.NewDriver(context.Background(), ":memory:")
		Expect(err).NotTo(HaveOccurred())
		return d
	})

	It("creates a database file", func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "chatrelay.db")

		d, err := sqlite.NewDriver(context.Background(), dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		_, err = os.Stat(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	It("persists across reopen", func() {
		ctx := context.Background()
		dbPath := filepath.Join(GinkgoT().TempDir(), "chatrelay.db")

		d, err := sqlite.NewDriver(ctx, dbPath)
		Expect(err).NotTo(HaveOccurred())
		c, err := d.CreateConversation(ctx, "frank", "kept")
		Expect(err).NotTo(HaveOccurred())
		_, _, err = d.PutMessage(ctx, message(c.ID, 0, llm.RoleUser, "hi"))
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Close()).To(Succeed())

		d, err = sqlite.NewDriver(ctx, dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		msgs, err := d.ListMessages(ctx, c.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(msgs).To(HaveLen(1))
		Expect(msgs[0].Content).To(Equal("hi"))
	})
})
