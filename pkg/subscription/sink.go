package subscription

import (
	"context"
	"time"

	"meshbus/pkg/observability"
)

// OverflowPolicy governs what happens when a bounded delivery sink is
// full: drop-newest is the default; a subscription may opt into
// block-with-deadline.
type OverflowPolicy int

const (
	// DropNewest discards the undeliverable payload immediately.
	DropNewest OverflowPolicy = iota
	// BlockWithDeadline blocks the delivery attempt up to Deadline before
	// dropping and counting a warning.
	BlockWithDeadline
)

// Sink receives delivered Event payloads. Deliver never propagates bus-
// wide back-pressure to the publisher: it always returns promptly,
// dropping on overflow per policy rather than blocking Publish
// indefinitely.
type Sink interface {
	Deliver(ctx context.Context, payload []byte) (delivered bool)
}

// ChannelSink is a bounded-channel delivery sink with a configurable
// overflow policy.
type ChannelSink struct {
	ch       chan []byte
	policy   OverflowPolicy
	deadline time.Duration
	observer observability.Observer
	source   string
}

// ChannelSinkOption configures a ChannelSink at construction.
type ChannelSinkOption func(*ChannelSink)

// WithBlockDeadline opts this sink into block-with-deadline overflow
// handling instead of the default drop-newest.
func WithBlockDeadline(d time.Duration) ChannelSinkOption {
	return func(s *ChannelSink) {
		s.policy = BlockWithDeadline
		s.deadline = d
	}
}

// WithObserver attaches an observer that records delivery drops.
func WithObserver(obs observability.Observer, source string) ChannelSinkOption {
	return func(s *ChannelSink) {
		s.observer = obs
		s.source = source
	}
}

// NewChannelSink creates a bounded-channel sink. Values delivered onto it
// are read via Values().
func NewChannelSink(bufferSize int, opts ...ChannelSinkOption) *ChannelSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	s := &ChannelSink{
		ch:       make(chan []byte, bufferSize),
		policy:   DropNewest,
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Values exposes the underlying channel for subscribers to range over.
func (s *ChannelSink) Values() <-chan []byte {
	return s.ch
}

// Close releases the channel. It is safe to call at most once.
func (s *ChannelSink) Close() {
	close(s.ch)
}

func (s *ChannelSink) Deliver(ctx context.Context, payload []byte) bool {
	select {
	case s.ch <- payload:
		return true
	default:
	}

	if s.policy == DropNewest {
		s.warnDrop(ctx)
		return false
	}

	timer := time.NewTimer(s.deadline)
	defer timer.Stop()
	select {
	case s.ch <- payload:
		return true
	case <-timer.C:
		s.warnDrop(ctx)
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *ChannelSink) warnDrop(ctx context.Context) {
	s.observer.OnEvent(ctx, observability.Event{
		Type:   "subscription.delivery_drop",
		Level:  observability.LevelWarning,
		Source: s.source,
	})
}

// CallbackSink invokes fn directly for every delivered payload, for
// callers that want synchronous in-process fan-out without an
// intermediate channel.
type CallbackSink struct {
	fn func(payload []byte)
}

// NewCallbackSink wraps fn as a Sink. fn is invoked on the publishing
// goroutine issuing Engine.Publish's fan-out; slow callbacks should hand
// off work themselves.
func NewCallbackSink(fn func(payload []byte)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Deliver(ctx context.Context, payload []byte) bool {
	s.fn(payload)
	return true
}
