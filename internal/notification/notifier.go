package notification

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"guestkey/internal/log"
	"guestkey/internal/metrics"
)

// Notifier delivers a text message to a recipient. Send reports delivery and
// never panics; failures are logged by the implementation.
type Notifier interface {
	Send(ctx context.Context, recipient, text string) bool
	IsReady() bool
}

// Channel is a named Notifier, used for per-channel accounting.
type Channel interface {
	Notifier
	Name() string
}

// Multi fans a message out to every ready channel.
type Multi struct {
	channels []Channel
	logger   zerolog.Logger
}

// NewMulti combines channels. Channels that are not ready are skipped at send time.
func NewMulti(channels ...Channel) *Multi {
	return &Multi{channels: channels, logger: log.WithComponent("notification")}
}

// Send delivers text on every ready channel and reports whether at least one
// succeeded. Undelivered messages are written to the log so they are not lost.
func (m *Multi) Send(ctx context.Context, recipient, text string) bool {
	delivered := false
	for _, ch := range m.channels {
		if !ch.IsReady() {
			continue
		}
		ok := safeSend(ctx, ch, recipient, text, m.logger)
		result := "ok"
		if !ok {
			result = "failed"
		}
		metrics.Notifications.WithLabelValues(ch.Name(), result).Inc()
		delivered = delivered || ok
	}
	if !delivered {
		m.logger.Warn().Str("recipient", recipient).Str("text", text).Msg("unsent message")
	}
	return delivered
}

// IsReady reports whether any channel can deliver.
func (m *Multi) IsReady() bool {
	for _, ch := range m.channels {
		if ch.IsReady() {
			return true
		}
	}
	return false
}

// ReadyChannels lists the names of channels that can currently deliver.
func (m *Multi) ReadyChannels() []string {
	var out []string
	for _, ch := range m.channels {
		if ch.IsReady() {
			out = append(out, ch.Name())
		}
	}
	return out
}

func safeSend(ctx context.Context, ch Channel, recipient, text string, logger zerolog.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("channel", ch.Name()).Interface("panic", r).Msg("notification channel panicked")
			ok = false
		}
	}()
	return ch.Send(ctx, recipient, text)
}

// LogChannel writes messages to the structured log. It is always ready and is
// useful as the only channel in development.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log-only channel.
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: log.WithComponent("notification")}
}

func (c *LogChannel) Name() string  { return "log" }
func (c *LogChannel) IsReady() bool { return true }

func (c *LogChannel) Send(ctx context.Context, recipient, text string) bool {
	c.logger.Info().Str("recipient", recipient).Msg(strings.ReplaceAll(text, "\n", " | "))
	return true
}
