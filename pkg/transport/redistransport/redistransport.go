// Package redistransport is the production Transport: a Redis Pub/Sub
// channel shared by every process attached to the same bus name.
//
//   - One shared channel per bus ("meshbus:" + BusName) that every
//     attached process subscribes to. The fabric is multicast: all
//     attachments see all envelopes, and each adapter filters by the
//     envelope's target.
//   - Envelopes are framed with pkg/envelope's binary codec before
//     publishing.
//   - A Shutdown envelope with source == self unblocks Receive with a
//     terminal error; the Hub's Shutdown uses this to stop its receive
//     loop. Close itself unblocks Receive directly.
package redistransport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/observability"
	"meshbus/pkg/transport"
)

const channelPrefix = "meshbus:"

// Options configures a Transport's Redis connection.
type Options struct {
	Addr       string
	Password   string
	DB         int
	BufferSize int
	Observer   observability.Observer
}

// DefaultOptions returns connection options whose address comes from
// REDIS_ADDR when present, falling back to localhost:6379.
func DefaultOptions() Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return Options{
		Addr:       addr,
		BufferSize: 100,
		Observer:   observability.NoOpObserver{},
	}
}

// Transport is the Redis Pub/Sub-backed Transport. One Transport is
// created per Hub and owns its *redis.Client for the hub's lifetime.
type Transport struct {
	rdb     *redis.Client
	sub     *redis.PubSub
	channel string
	name    string

	observer observability.Observer

	inbound chan envelope.Envelope
	closed  chan struct{}
	once    sync.Once

	forwarded *transport.ForwardLog

	ctx    context.Context
	cancel context.CancelFunc
}

// New attaches to the named bus as process name, subscribing to
// "meshbus:<busName>". The selector labeling this process is its name:
// receivers address it via Envelope.Target == name.
func New(ctx context.Context, name, busName string, opts Options) (*Transport, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.Observer == nil {
		opts.Observer = observability.NoOpObserver{}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, meshbuserr.Wrap(meshbuserr.KindConnectionLost, "redistransport: ping failed", err)
	}

	channel := channelPrefix + busName
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		rdb.Close()
		return nil, meshbuserr.Wrap(meshbuserr.KindConnectionLost, "redistransport: subscribe failed", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		rdb:      rdb,
		sub:      sub,
		channel:  channel,
		name:     name,
		observer:  opts.Observer,
		inbound:   make(chan envelope.Envelope, opts.BufferSize),
		closed:    make(chan struct{}),
		forwarded: transport.NewForwardLog(),
		ctx:       tctx,
		cancel:    cancel,
	}

	go t.pump()

	t.observer.OnEvent(ctx, observability.Event{
		Type:   "transport.attach",
		Level:  observability.LevelInfo,
		Source: name,
		Data:   map[string]any{"bus": busName, "addr": opts.Addr},
	})

	return t, nil
}

// pump drains the Redis Pub/Sub channel into the bounded inbound queue,
// decoding each message with the binary wire codec.
func (t *Transport) pump() {
	ch := t.sub.Channel()
	for {
		select {
		case <-t.tctxDone():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := envelope.Unmarshal([]byte(msg.Payload))
			if err != nil {
				t.observer.OnEvent(t.ctx, observability.Event{
					Type:   "transport.decode_error",
					Level:  observability.LevelWarning,
					Source: t.name,
					Data:   map[string]any{"error": err.Error()},
				})
				continue
			}
			select {
			case t.inbound <- env:
			case <-t.tctxDone():
				return
			default:
				t.observer.OnEvent(t.ctx, observability.Event{
					Type:   "transport.inbound_drop",
					Level:  observability.LevelWarning,
					Source: t.name,
				})
			}
		}
	}
}

func (t *Transport) tctxDone() <-chan struct{} {
	return t.ctx.Done()
}

// Send publishes env on the shared bus channel. Redis publish failures
// surface as a retryable BusBackpressure error.
func (t *Transport) Send(ctx context.Context, env envelope.Envelope) error {
	select {
	case <-t.closed:
		return meshbuserr.New(meshbuserr.KindTransportClosed, "redistransport: send after close")
	default:
	}

	data, err := env.Marshal()
	if err != nil {
		return meshbuserr.Wrap(meshbuserr.KindSerialization, "redistransport: marshal", err)
	}
	if err := t.rdb.Publish(ctx, t.channel, data).Err(); err != nil {
		return meshbuserr.Wrap(meshbuserr.KindBusBackpressure, "redistransport: publish", err)
	}
	return nil
}

// Receive returns the next envelope addressed to this process, re-
// forwarding misrouted envelopes and recognizing a self-sourced Shutdown
// as terminal.
//
// Re-forwarding is bounded the same way as memtransport's: own echoes
// are never forwarded and each foreign envelope ID is forwarded at most
// once, since the shared Pub/Sub channel would otherwise bounce targeted
// envelopes between non-target subscribers indefinitely.
func (t *Transport) Receive(ctx context.Context) (envelope.Envelope, error) {
	for {
		select {
		case <-ctx.Done():
			return envelope.Envelope{}, meshbuserr.Wrap(meshbuserr.KindConnectionLost, "redistransport: receive context done", ctx.Err())
		case <-t.closed:
			return envelope.Envelope{}, meshbuserr.New(meshbuserr.KindTransportClosed, "redistransport: transport closed")
		case env := <-t.inbound:
			if env.Kind == envelope.KindShutdown && env.Source == t.name {
				return envelope.Envelope{}, meshbuserr.New(meshbuserr.KindTransportClosed, "redistransport: shutdown received")
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

// Close unsubscribes and releases the Redis client. Any in-flight Receive
// fails with a terminal TransportClosed error.
func (t *Transport) Close() error {
	var closeErr error
	t.once.Do(func() {
		close(t.closed)
		t.cancel()
		if err := t.sub.Close(); err != nil {
			closeErr = fmt.Errorf("redistransport: close subscription: %w", err)
		}
		if err := t.rdb.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("redistransport: close client: %w", err)
		}
	})
	return closeErr
}
