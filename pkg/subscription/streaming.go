package subscription

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"meshbus/pkg/codec"
	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
)

// streamState tracks a streaming subscription's position in its state
// machine:
//
//	Pending --Accept--> Active --SendValue*--> Active
//	Pending --Reject--> Terminated
//	Active  --peer drop--> Terminated (observed on next SendValue)
//	Active  --local Close--> Terminated (subscriber is notified)
//
// An atomic CAS governs the one-way transitions.
type streamState int32

const (
	streamPending streamState = iota
	streamActive
	streamTerminated
)

// ErrDisconnected is returned by ActiveSink.SendValue once the subscriber
// has dropped its receiver (peer drop) or the local side closed the sink
// (local drop).
var ErrDisconnected = meshbuserr.New(meshbuserr.KindConnectionLost, "subscription: disconnected")

// Publisher enqueues an envelope on the bus; the Hub supplies this as a
// thin adapter over its Transport so the subscription package stays
// transport-agnostic.
type Publisher func(ctx context.Context, env envelope.Envelope) error

// PendingSink is a streaming subscription awaiting server-side accept or
// reject, issued to the registered provider when a Subscribe envelope
// arrives. Nothing reaches the subscriber until Accept or Reject is
// called, so a subscription's resources are only committed after the
// provider has validated the request.
type PendingSink struct {
	id         uuid.UUID
	sourceName string
	target     string
	topic      string
	publish    Publisher

	state atomic.Int32
}

// NewPendingSink constructs a Pending-state streaming subscription. id is
// the subscription identifier; topic is the synthetic per-subscription
// identifier used as the Topic on delivered Event envelopes; target is
// the subscriber's hub name.
func NewPendingSink(id uuid.UUID, sourceName, target, topic string, publish Publisher) *PendingSink {
	p := &PendingSink{
		id:         id,
		sourceName: sourceName,
		target:     target,
		topic:      topic,
		publish:    publish,
	}
	p.state.Store(int32(streamPending))
	return p
}

// ID returns the subscription identifier.
func (p *PendingSink) ID() uuid.UUID { return p.id }

// Topic returns the synthetic per-subscription topic values are
// delivered on once accepted.
func (p *PendingSink) Topic() string { return p.topic }

// Target returns the subscriber's hub name.
func (p *PendingSink) Target() string { return p.target }

// Disconnect records that the subscriber went away (peer drop), whatever
// state the subscription is in. The next SendValue returns
// ErrDisconnected; a later Accept or Reject fails.
func (p *PendingSink) Disconnect() {
	p.state.Store(int32(streamTerminated))
}

// Accept transitions Pending to Active and returns the sink used to push
// values. Fails if the subscription already left the Pending state.
func (p *PendingSink) Accept() (*ActiveSink, error) {
	if !p.state.CompareAndSwap(int32(streamPending), int32(streamActive)) {
		return nil, meshbuserr.New(meshbuserr.KindInvalidRequest, "subscription: already accepted or rejected")
	}
	return &ActiveSink{pending: p}, nil
}

// Reject sends a terminal SubscriptionRejected error to the subscriber
// and frees the PendingSink. On success it returns that same
// SubscriptionRejected error; it returns an InvalidRequest error if the
// subscription already left the Pending state.
func (p *PendingSink) Reject(ctx context.Context, reason string) error {
	if !p.state.CompareAndSwap(int32(streamPending), int32(streamTerminated)) {
		return meshbuserr.New(meshbuserr.KindInvalidRequest, "subscription: already accepted or rejected")
	}

	rejectEnv := envelope.Envelope{
		ID:       envelope.NewID(),
		Kind:     envelope.KindError,
		Source:   p.sourceName,
		Target:   &p.target,
		Topic:    &p.topic,
		Metadata: envelope.Metadata{CreatedAt: time.Now()},
	}
	cid := p.id
	rejectEnv.CorrelationID = &cid
	rejectEnv.Payload = meshbuserr.EncodePayload(meshbuserr.New(meshbuserr.KindSubscriptionRejected, reason))

	if err := p.publish(ctx, rejectEnv); err != nil {
		return meshbuserr.Wrap(meshbuserr.KindSubscriptionRejected, "subscription: reject delivery failed", err)
	}
	return meshbuserr.New(meshbuserr.KindSubscriptionRejected, reason)
}

// ActiveSink pushes values to an accepted streaming subscription. Values
// are serialized with pkg/codec and wrapped in Event envelopes whose
// topic is the subscription's synthetic per-subscription identifier.
type ActiveSink struct {
	pending *PendingSink
}

// ID returns the subscription identifier.
func (s *ActiveSink) ID() uuid.UUID { return s.pending.id }

// SendValue serializes v and delivers it to the subscriber. Returns
// ErrDisconnected once the subscriber has dropped its receiver (peer
// drop) or Close has been called locally (local drop). Both terminal
// transitions are only observed on the next send.
func (s *ActiveSink) SendValue(ctx context.Context, v any) error {
	if streamState(s.pending.state.Load()) != streamActive {
		return ErrDisconnected
	}

	payload, err := codec.Encode(v)
	if err != nil {
		return meshbuserr.Wrap(meshbuserr.KindSerialization, "subscription: encode value", err)
	}

	event, err := envelope.NewEvent(s.pending.sourceName, s.pending.topic, payload)
	if err != nil {
		return meshbuserr.Wrap(meshbuserr.KindInvalidRequest, "subscription: build event", err)
	}
	event.Target = &s.pending.target

	if err := s.pending.publish(ctx, event); err != nil {
		s.pending.state.Store(int32(streamTerminated))
		return ErrDisconnected
	}
	return nil
}

// Close performs a local drop: the subscription transitions to
// Terminated, the next SendValue returns ErrDisconnected, and the
// subscriber is notified with a terminal Error envelope so its receive
// side can stop waiting. Safe to call more than once; only the first
// call notifies.
func (s *ActiveSink) Close(ctx context.Context) {
	if !s.pending.state.CompareAndSwap(int32(streamActive), int32(streamTerminated)) {
		return
	}

	closeEnv := envelope.Envelope{
		ID:       envelope.NewID(),
		Kind:     envelope.KindError,
		Source:   s.pending.sourceName,
		Target:   &s.pending.target,
		Topic:    &s.pending.topic,
		Metadata: envelope.Metadata{CreatedAt: time.Now()},
	}
	cid := s.pending.id
	closeEnv.CorrelationID = &cid
	closeEnv.Payload = meshbuserr.EncodePayload(meshbuserr.New(meshbuserr.KindConnectionLost, "subscription: closed by provider"))
	_ = s.pending.publish(ctx, closeEnv)
}

// MarkPeerDropped records that the subscriber disconnected (e.g. an
// Unsubscribe envelope arrived for this subscription id), transitioning
// to Terminated so the next SendValue observes the peer drop.
func (s *ActiveSink) MarkPeerDropped() {
	s.pending.Disconnect()
}

// IsActive reports whether the sink is still in the Active state.
func (s *ActiveSink) IsActive() bool {
	return streamState(s.pending.state.Load()) == streamActive
}
