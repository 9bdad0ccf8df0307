// Package memtransport is an in-process Transport implementation backed
// by a shared fan-out bus of buffered Go channels — no network, no
// Redis. It delivers every envelope to every attached receiver, the same
// fabric model as redistransport's single Pub/Sub channel, so target
// filtering and re-forwarding behave identically in tests as in
// production.
package memtransport

import (
	"context"
	"sync"

	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/transport"
)

// Bus is a shared in-process fabric. Every attached Transport receives a
// copy of every envelope sent by any attached Transport, mirroring a
// Redis Pub/Sub channel shared by a named "room".
type Bus struct {
	mu       sync.RWMutex
	attached map[*Transport]struct{}
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{attached: make(map[*Transport]struct{})}
}

func (b *Bus) broadcast(env envelope.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for t := range b.attached {
		select {
		case t.inbound <- env:
		default:
			// Bounded inbound queue full: drop for this subscriber rather
			// than block the publisher.
		}
	}
}

func (b *Bus) attach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached[t] = struct{}{}
}

func (b *Bus) detach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attached, t)
}

// Transport is one process's attachment point on a Bus.
type Transport struct {
	bus  *Bus
	name string

	inbound chan envelope.Envelope
	closed  chan struct{}
	once    sync.Once

	forwarded *transport.ForwardLog
}

// Attach joins name onto bus with the given inbound buffer capacity,
// mirroring redistransport.New's BUS_NAME-scoped channel join.
func (b *Bus) Attach(name string, bufferSize int) *Transport {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	t := &Transport{
		bus:       b,
		name:      name,
		inbound:   make(chan envelope.Envelope, bufferSize),
		closed:    make(chan struct{}),
		forwarded: transport.NewForwardLog(),
	}
	b.attach(t)
	return t
}

// Send broadcasts env to every attachment on the bus, including itself.
func (t *Transport) Send(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-t.closed:
		return meshbuserr.New(meshbuserr.KindTransportClosed, "memtransport: send after close")
	default:
	}
	t.bus.broadcast(env)
	return nil
}

// Receive returns the next envelope addressed to this transport's name,
// re-forwarding anything targeted elsewhere, and fails terminally when a
// self-sourced Shutdown envelope arrives or Close is called.
//
// Re-forwarding is bounded: an envelope this transport itself sent is
// never forwarded (its broadcast already reached every attachment), and
// each foreign envelope ID is forwarded at most once. Without both
// checks a targeted envelope would bounce between non-target attachments
// forever on a broadcast fabric.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return envelope.Envelope{}, meshbuserr.Wrap(meshbuserr.KindConnectionLost, "memtransport: receive context done", ctx.Err())
		case <-t.closed:
			return envelope.Envelope{}, meshbuserr.New(meshbuserr.KindTransportClosed, "memtransport: transport closed")
		case env := <-t.inbound:
			if env.Kind == envelope.KindShutdown && env.Source == t.name {
				return envelope.Envelope{}, meshbuserr.New(meshbuserr.KindTransportClosed, "memtransport: shutdown received")
			}
			if env.Target != nil && *env.Target != t.name {
				if env.Source != t.name && t.forwarded.FirstSight(env.ID) {
					if err := t.Send(ctx, env); err != nil {
						return envelope.Envelope{}, err
					}
				}
				continue
			}
			return env, nil
		}
	}
}

// Close detaches this transport from the bus and unblocks any in-flight
// Receive with a terminal error.
func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.bus.detach(t)
	})
	return nil
}
