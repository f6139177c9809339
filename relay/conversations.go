package relay

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/auth"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// ConversationRequest is the body of create and rename calls.
type ConversationRequest struct {
	Title string `json:"title"`
}

// MessageRequest is the body of a message persist call.
type MessageRequest struct {
	MessageNum int      `json:"message_num"`
	Role       llm.Role `json:"role"`
	Content    string   `json:"content"`
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	conversations, err := s.store.ListConversations(c.UserContext(), auth.UserID(c))
	if err != nil {
		return s.storeError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (s *Server) handleCreateConversation(c *fiber.Ctx) error {
	var req ConversationRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	conv, err := s.store.CreateConversation(c.UserContext(), auth.UserID(c), strings.TrimSpace(req.Title))
	if err != nil {
		return s.storeError(c, err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", conv.UserID),
	)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conv})
}

func (s *Server) handleRenameConversation(c *fiber.Ctx) error {
	var req ConversationRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return errorResponse(c, fiber.StatusBadRequest, "title is required")
	}

	conv, err := s.ownedConversation(c)
	if err != nil {
		return s.storeError(c, err)
	}

	conv, err = s.store.RenameConversation(c.UserContext(), conv.ID, title)
	if err != nil {
		return s.storeError(c, err)
	}

	return c.JSON(fiber.Map{"conversation": conv})
}

func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	conv, err := s.ownedConversation(c)
	if err != nil {
		return s.storeError(c, err)
	}

	if err := s.store.DeleteConversation(c.UserContext(), conv.ID); err != nil {
		return s.storeError(c, err)
	}

	s.logger.Info("conversation deleted", zap.String("conversation_id", conv.ID))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	conv, err := s.ownedConversation(c)
	if err != nil {
		return s.storeError(c, err)
	}

	messages, err := s.store.ListMessages(c.UserContext(), conv.ID)
	if err != nil {
		return s.storeError(c, err)
	}

	return c.JSON(fiber.Map{"messages": messages})
}

// handlePutMessage persists one turn. Re-sending the exact same turn is a
// no-op so clients can retry persists safely.
func (s *Server) handlePutMessage(c *fiber.Ctx) error {
	var req MessageRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	if !req.Role.Valid() {
		return errorResponse(c, fiber.StatusBadRequest, "unknown role")
	}
	if req.MessageNum < 0 {
		return errorResponse(c, fiber.StatusBadRequest, "message_num must not be negative")
	}

	conv, err := s.ownedConversation(c)
	if err != nil {
		return s.storeError(c, err)
	}

	msg, created, err := s.store.PutMessage(c.UserContext(), &storage.Message{
		ConversationID: conv.ID,
		MessageNum:     req.MessageNum,
		Role:           req.Role,
		Content:        req.Content,
	})
	if err != nil {
		return s.storeError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		s.logger.Debug("message stored",
			zap.String("conversation_id", conv.ID),
			zap.Int("message_num", msg.MessageNum),
			zap.String("role", string(msg.Role)),
			zap.String("hash", truncate(msg.Hash, 16)),
		)
	}

	return c.Status(status).JSON(fiber.Map{"message": msg})
}

// ownedConversation loads the :id conversation. Conversations of other users
// are reported as not found.
func (s *Server) ownedConversation(c *fiber.Ctx) (*storage.Conversation, error) {
	id := c.Params("id")
	conv, err := s.store.GetConversation(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != auth.UserID(c) {
		return nil, storage.ErrNotFound{Kind: "conversation", ID: id}
	}
	return conv, nil
}

func (s *Server) storeError(c *fiber.Ctx, err error) error {
	var notFound storage.ErrNotFound
	if errors.As(err, &notFound) {
		return errorResponse(c, fiber.StatusNotFound, notFound.Error())
	}

	var conflict storage.ErrConflict
	if errors.As(err, &conflict) {
		return errorResponse(c, fiber.StatusConflict, conflict.Error())
	}

	s.logger.Error("conversation store failed",
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return errorResponse(c, fiber.StatusInternalServerError, "internal error")
}
