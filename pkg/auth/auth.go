// Package auth resolves bearer credentials to user identities and gates
// fiber routes on them.
package auth

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

// ErrUnauthenticated is returned for a missing or unknown credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator looks up the user behind a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Session binds a bearer token to a user identifier.
type Session struct {
	Token  string `mapstructure:"token" toml:"token"`
	UserID string `mapstructure:"user_id" toml:"user_id"`
}

// Sessions is an Authenticator backed by a token table that can be swapped
// while requests are being served.
type Sessions struct {
	table atomic.Pointer[map[string]string]
}

// NewSessions creates a Sessions authenticator from a token table.
func NewSessions(sessions []Session) *Sessions {
	s := &Sessions{}
	s.Replace(sessions)
	return s
}

// Replace installs a new token table. Entries with an empty token or user
// are ignored.
func (s *Sessions) Replace(sessions []Session) {
	table := make(map[string]string, len(sessions))
	for _, sess := range sessions {
		if sess.Token == "" || sess.UserID == "" {
			continue
		}
		table[sess.Token] = sess.UserID
	}
	s.table.Store(&table)
}

// Len returns the number of active sessions.
func (s *Sessions) Len() int {
	return len(*s.table.Load())
}

func (s *Sessions) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}

	userID, ok := (*s.table.Load())[token]
	if !ok {
		return "", ErrUnauthenticated
	}

	return userID, nil
}

const userIDKey = "chatrelay_user_id"

// Middleware rejects requests without a valid "Authorization: Bearer" token
// with a 401 before any later handler runs, and records the caller's user
// id for UserID.
func Middleware(a Authenticator, logger *zap.Logger) fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + fiber.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			userID, err := a.Authenticate(c.UserContext(), key)
			if err != nil {
				return false, err
			}

			c.Locals(userIDKey, userID)
			return true, nil
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Debug("rejected request",
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			return c.Status(fiber.StatusUnauthorized).JSON(llm.ErrorResponse{Error: "unauthenticated"})
		},
	})
}

// UserID returns the authenticated caller recorded by Middleware.
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals(userIDKey).(string)
	return userID
}
