// Package broadcast delivers announcements to the configured public channels.
package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/ato/milestone/pkg/announce"
	"github.com/malbeclabs/ato/milestone/pkg/metrics"
)

// Channel is a single delivery target.
type Channel interface {
	Name() string
	// MaxLength is the longest text the channel accepts, in runes. Zero means
	// no limit.
	MaxLength() int
	Send(ctx context.Context, text string) error
}

// Sender delivers text to at least one channel.
type Sender interface {
	Send(ctx context.Context, text string) bool
}

// Broadcaster fans a message out to every channel concurrently.
type Broadcaster struct {
	log      *slog.Logger
	channels []Channel
	limiters []*rate.Limiter
	timeout  time.Duration
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithSendTimeout bounds each channel delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broadcaster) { b.timeout = d }
}

// WithRateLimit limits deliveries per channel.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(b *Broadcaster) {
		for i := range b.limiters {
			b.limiters[i] = rate.NewLimiter(rate.Every(every), burst)
		}
	}
}

func New(log *slog.Logger, channels []Channel, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		log:      log,
		channels: channels,
		limiters: make([]*rate.Limiter, len(channels)),
		timeout:  30 * time.Second,
	}
	for i := range b.limiters {
		b.limiters[i] = rate.NewLimiter(rate.Inf, 1)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channels returns the names of the configured channels.
func (b *Broadcaster) Channels() []string {
	names := make([]string, len(b.channels))
	for i, ch := range b.channels {
		names[i] = ch.Name()
	}
	return names
}

// Send delivers text to every channel and reports whether at least one
// delivery succeeded. Channel failures are logged, never returned.
func (b *Broadcaster) Send(ctx context.Context, text string) bool {
	var delivered atomic.Int32
	var g errgroup.Group
	for i, ch := range b.channels {
		limiter := b.limiters[i]
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				b.log.Warn("broadcast: rate limiter wait aborted", "channel", ch.Name(), "error", err)
				metrics.AnnouncementsTotal.WithLabelValues(ch.Name(), "error").Inc()
				return nil
			}
			sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			msg := announce.Truncate(text, ch.MaxLength())
			if err := ch.Send(sendCtx, msg); err != nil {
				b.log.Warn("broadcast: delivery failed", "channel", ch.Name(), "error", err)
				metrics.AnnouncementsTotal.WithLabelValues(ch.Name(), "error").Inc()
				return nil
			}
			delivered.Add(1)
			metrics.AnnouncementsTotal.WithLabelValues(ch.Name(), "success").Inc()
			return nil
		})
	}
	_ = g.Wait()

	ok := delivered.Load() > 0
	if !ok {
		b.log.Error("broadcast: announcement was not delivered to any channel", "channels", len(b.channels))
	}
	return ok
}

// LogChannel writes announcements to the logger. Useful for dry runs.
type LogChannel struct {
	log *slog.Logger
}

func NewLogChannel(log *slog.Logger) *LogChannel {
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string   { return "log" }
func (c *LogChannel) MaxLength() int { return 0 }

func (c *LogChannel) Send(_ context.Context, text string) error {
	c.log.Info("announcement", "text", text)
	return nil
}
