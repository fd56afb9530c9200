package chatsync

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync/internal/clock"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig tunes timers and limits. Zero values take defaults.
type SessionConfig struct {
	// AckTimeout is how long a sent message waits for message_ack before
	// it is marked failed.
	AckTimeout time.Duration `validate:"gt=0"`

	TypingThrottle time.Duration `validate:"gt=0"`
	TypingIdle     time.Duration `validate:"gt=0"`
	TypingExpiry   time.Duration `validate:"gt=0"`

	ReconnectBaseDelay time.Duration `validate:"gt=0"`
	ReconnectMaxDelay  time.Duration `validate:"gtefield=ReconnectBaseDelay"`
	DisableJitter      bool

	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int `validate:"gte=0"`

	HeartbeatInterval time.Duration `validate:"gt=0"`
	DisableHeartbeat  bool

	HistoryPageSize int `validate:"gte=1,lte=200"`
}

func (c *SessionConfig) defaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 2 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 5 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HistoryPageSize == 0 {
		c.HistoryPageSize = 50
	}
}

var validate = validator.New()

// Validate checks the config after defaults are applied.
func (c *SessionConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: session config: %v", ErrInvalidInput, err)
	}
	return nil
}

func validateAttachments(attachments []Attachment) error {
	for i := range attachments {
		if err := validate.Struct(&attachments[i]); err != nil {
			return fmt.Errorf("%w: attachment %d: %v", ErrInvalidInput, i, err)
		}
	}
	return nil
}

// ============================================================================
// Options
// ============================================================================

type sessionOptions struct {
	config   SessionConfig
	logger   *slog.Logger
	clock    clock.Clock
	history  HistorySource
	registry prometheus.Registerer
	newID    func() string
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

func WithConfig(cfg SessionConfig) SessionOption {
	return func(o *sessionOptions) { o.config = cfg }
}

func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) SessionOption {
	return func(o *sessionOptions) { o.clock = c }
}

// WithHistory enables REST seeding of conversations and message history.
func WithHistory(h HistorySource) SessionOption {
	return func(o *sessionOptions) { o.history = h }
}

// WithMetrics registers session collectors on reg.
func WithMetrics(reg prometheus.Registerer) SessionOption {
	return func(o *sessionOptions) { o.registry = reg }
}

// WithIDGenerator replaces the clientId generator.
func WithIDGenerator(fn func() string) SessionOption {
	return func(o *sessionOptions) { o.newID = fn }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
