// Package transport defines the bus-facing contract every meshbus Hub
// drives its receive loop against. Two implementations satisfy it:
// redistransport, production-grade and backed by Redis Pub/Sub, and
// memtransport, an in-process fabric used by tests and single-process
// multi-hub demos.
package transport

import (
	"context"

	"meshbus/pkg/envelope"
)

// Transport sends and receives framed envelopes on a shared bus. Send
// must not block the caller beyond bus back-pressure. Receive returns the
// next envelope addressed to this process, re-forwarding anything
// misrouted along the way. Close detaches from the bus and
// causes any in-flight Receive to fail with a terminal error.
type Transport interface {
	Send(ctx context.Context, env envelope.Envelope) error
	Receive(ctx context.Context) (envelope.Envelope, error)
	Close() error
}
