package relay

import (
	"time"

	"github.com/papercomputeco/chatrelay/pkg/telemetry"
)

// DefaultUpstreamTimeout bounds an exchange when Config.UpstreamTimeout is 0.
const DefaultUpstreamTimeout = 5 * time.Minute

// Config is the relay server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	ListenAddr string

	// Model is sent upstream with every completion request
	Model string

	// Temperature is forwarded when non-zero
	Temperature float64

	// MaxTokens caps the reply length; forwarded when positive
	MaxTokens int

	// UpstreamTimeout bounds a whole upstream exchange, including streaming
	UpstreamTimeout time.Duration

	// RequestsPerMinute caps relay calls per user; 0 disables the limit
	RequestsPerMinute int

	// Metrics receives the relay counters. A private provider is created
	// when nil.
	Metrics *telemetry.Metrics
}

func (c Config) upstreamTimeout() time.Duration {
	if c.UpstreamTimeout <= 0 {
		return DefaultUpstreamTimeout
	}
	return c.UpstreamTimeout
}
