// Package hub provides the per-process coordinator of a meshbus fabric.
// A Hub owns the transport attachment, the request/response correlation
// table, the receive loop, dispatch to registered services, and topic
// fan-out to local subscribers. One Hub is constructed per process; its
// name labels every outgoing envelope and is the address peers use to
// reach it.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshbus/pkg/codec"
	"meshbus/pkg/config"
	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/observability"
	"meshbus/pkg/registry"
	"meshbus/pkg/subscription"
	"meshbus/pkg/transport"
	"meshbus/pkg/transport/redistransport"
)

// Hub composes the transport adapter, service registry, and subscription
// engine behind one concurrency-safe API. Call, Publish, Subscribe, and
// RegisterService may be used from any goroutine; exactly one goroutine
// runs the receive loop.
type Hub struct {
	name string
	cfg  config.Config

	transport transport.Transport
	registry  *registry.Registry
	subs      *subscription.Engine
	observer  observability.Observer
	metrics   *Metrics

	pendingMu sync.Mutex
	pending   map[envelope.ID]chan envelope.Envelope

	streamsMu     sync.Mutex
	clientStreams map[envelope.ID]*StreamSubscription
	serverStreams map[string]*subscription.PendingSink
	providers     map[string]StreamProvider

	peersMu sync.RWMutex
	peers   map[string]time.Time

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Builder assembles a Hub step by step. The zero configuration comes from
// the environment (BUS_NAME, HUB_DEFAULT_TIMEOUT_MS) merged over built-in
// defaults; WithConfig overlays explicit non-zero fields on top.
type Builder struct {
	cfg       config.Config
	transport transport.Transport
}

// NewBuilder starts building a Hub named name.
func NewBuilder(name string) *Builder {
	cfg := config.LoadFromEnv()
	cfg.Name = name
	return &Builder{cfg: cfg}
}

// WithConfig overlays the non-zero fields of cfg.
func (b *Builder) WithConfig(cfg config.Config) *Builder {
	b.cfg.Merge(&cfg)
	return b
}

// WithTransport supplies the bus attachment directly instead of dialing
// the configured Redis bus. Used by tests and single-process demos with
// memtransport.
func (b *Builder) WithTransport(t transport.Transport) *Builder {
	b.transport = t
	return b
}

// WithObserver routes the hub's structured events to obs.
func (b *Builder) WithObserver(obs observability.Observer) *Builder {
	b.cfg.Observer = obs
	return b
}

// Build attaches the transport and starts the receive loop.
func (b *Builder) Build(ctx context.Context) (*Hub, error) {
	if b.cfg.Name == "" {
		return nil, meshbuserr.New(meshbuserr.KindInvalidRequest, "hub: name must be non-empty")
	}

	t := b.transport
	if t == nil {
		var err error
		t, err = redistransport.New(ctx, b.cfg.Name, b.cfg.BusName, redistransport.Options{
			Addr:       b.cfg.RedisAddr,
			Password:   b.cfg.RedisPassword,
			DB:         b.cfg.RedisDB,
			BufferSize: b.cfg.ChannelBufferSize,
			Observer:   b.cfg.Observer,
		})
		if err != nil {
			return nil, err
		}
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		name:          b.cfg.Name,
		cfg:           b.cfg,
		transport:     t,
		registry:      registry.New(),
		subs:          subscription.New(b.cfg.Observer),
		observer:      b.cfg.Observer,
		metrics:       NewMetrics(),
		pending:       make(map[envelope.ID]chan envelope.Envelope),
		clientStreams: make(map[envelope.ID]*StreamSubscription),
		serverStreams: make(map[string]*subscription.PendingSink),
		providers:     make(map[string]StreamProvider),
		peers:         make(map[string]time.Time),
		ctx:           hctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	if h.observer == nil {
		h.observer = observability.NoOpObserver{}
	}

	go h.receiveLoop()

	h.observer.OnEvent(ctx, observability.Event{
		Type:   "hub.start",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"bus": b.cfg.BusName},
	})

	return h, nil
}

// New constructs a Hub named name over the Redis bus from the
// environment-derived configuration. Equivalent to NewBuilder(name).Build.
func New(ctx context.Context, name string) (*Hub, error) {
	return NewBuilder(name).Build(ctx)
}

// Name returns the hub's identity, the source on every envelope it emits.
func (h *Hub) Name() string { return h.name }

// RegisterService installs every (namespace, method) binding svc
// contributes. Re-registration of an existing key fails.
func (h *Hub) RegisterService(svc registry.Service) error {
	if h.closed.Load() {
		return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
	if err := h.registry.Register(svc); err != nil {
		return err
	}
	h.observer.OnEvent(h.ctx, observability.Event{
		Type:   "hub.service.register",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"namespace": svc.Namespace()},
	})
	return nil
}

// RegisterHandler installs a single handler under "<namespace>/<method>",
// for callers that do not want to define a Service type.
func (h *Hub) RegisterHandler(namespace, method string, fn registry.Handler) error {
	return h.RegisterService(registry.HandlerFunc{NamespaceName: namespace, Method: method, Fn: fn})
}

// CallOption tunes a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	target  string
}

// WithTimeout overrides the hub's default deadline for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithTarget addresses the request at one named hub instead of
// broadcasting it to every service on the bus.
func WithTarget(name string) CallOption {
	return func(o *callOptions) { o.target = name }
}

// Call serializes req, emits a Request envelope for topic
// ("<namespace>/<method>"), and waits for the matching Response or Error.
// On success the response payload is decoded into res (which may be nil
// to discard it). The pending-table entry is installed before the send so
// a response can never arrive unmatched, and it is reclaimed on every
// exit path: completion, deadline, caller cancellation, or hub shutdown.
func (h *Hub) Call(ctx context.Context, topic string, req, res any, opts ...CallOption) error {
	if h.closed.Load() {
		return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}

	options := callOptions{timeout: h.cfg.DefaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	payload, err := codec.Encode(req)
	if err != nil {
		return err
	}
	env, err := envelope.NewRequest(h.name, options.target, topic, payload)
	if err != nil {
		return meshbuserr.Wrap(meshbuserr.KindInvalidRequest, "hub: build request", err)
	}
	deadline := time.Now().Add(options.timeout)
	env.Metadata.Deadline = &deadline

	ch := make(chan envelope.Envelope, 1)
	h.pendingMu.Lock()
	h.pending[env.ID] = ch
	h.pendingMu.Unlock()
	h.metrics.RecordActiveCall(1)

	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, env.ID)
		h.pendingMu.Unlock()
		h.metrics.RecordActiveCall(-1)
	}()

	if err := h.send(ctx, env); err != nil {
		return err
	}

	h.observer.OnEvent(ctx, observability.Event{
		Type:   "hub.call.start",
		Level:  observability.LevelVerbose,
		Source: h.name,
		Data:   map[string]any{"topic": topic, "id": env.ID.String()},
	})

	timer := time.NewTimer(options.timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down while call in flight")
		}
		if reply.Kind == envelope.KindError {
			return meshbuserr.DecodePayload(reply.Payload)
		}
		if res == nil {
			return nil
		}
		return codec.DecodeInto(reply.Payload, res)
	case <-timer.C:
		return meshbuserr.New(meshbuserr.KindTimeout, fmt.Sprintf("hub: call %q exceeded %v", topic, options.timeout))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return meshbuserr.Wrap(meshbuserr.KindTimeout, fmt.Sprintf("hub: call %q deadline", topic), ctx.Err())
		}
		return meshbuserr.Wrap(meshbuserr.KindConnectionLost, fmt.Sprintf("hub: call %q cancelled", topic), ctx.Err())
	case <-h.ctx.Done():
		return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down while call in flight")
	}
}

// Publish serializes evt and enqueues an Event envelope for topic.
// Delivery to subscribers is best effort; Publish returns once the bus
// has accepted the envelope.
func (h *Hub) Publish(ctx context.Context, topic string, evt any) error {
	if h.closed.Load() {
		return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
	payload, err := codec.Encode(evt)
	if err != nil {
		return err
	}
	env, err := envelope.NewEvent(h.name, topic, payload)
	if err != nil {
		return meshbuserr.Wrap(meshbuserr.KindInvalidRequest, "hub: build event", err)
	}
	return h.send(ctx, env)
}

// Subscribe registers sink for every future Event whose topic matches
// pattern ('+' one segment, '#' trailing tail). The returned handle
// removes the record when dropped via Unsubscribe.
func (h *Hub) Subscribe(pattern string, sink subscription.Sink) (subscription.Handle, error) {
	if h.closed.Load() {
		return subscription.Handle{}, meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
	return h.subs.Subscribe(pattern, sink)
}

// SubscribeChan is Subscribe with a ready-made bounded channel sink sized
// by the hub's channel buffer configuration.
func (h *Hub) SubscribeChan(pattern string, opts ...subscription.ChannelSinkOption) (*subscription.ChannelSink, subscription.Handle, error) {
	opts = append([]subscription.ChannelSinkOption{subscription.WithObserver(h.observer, h.name)}, opts...)
	sink := subscription.NewChannelSink(h.cfg.ChannelBufferSize, opts...)
	handle, err := h.Subscribe(pattern, sink)
	if err != nil {
		return nil, subscription.Handle{}, err
	}
	return sink, handle, nil
}

// Heartbeat emits an informational heartbeat envelope. Peers record the
// sender's liveness timestamp; no failure detection hangs off it.
func (h *Hub) Heartbeat(ctx context.Context) error {
	if h.closed.Load() {
		return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
	return h.send(ctx, envelope.NewHeartbeat(h.name))
}

// Peers returns the last-seen timestamp of every hub whose heartbeat this
// hub has received, its own included. A peer's entry is removed when its
// Shutdown envelope arrives.
func (h *Hub) Peers() map[string]time.Time {
	h.peersMu.RLock()
	defer h.peersMu.RUnlock()
	out := make(map[string]time.Time, len(h.peers))
	for name, seen := range h.peers {
		out[name] = seen
	}
	return out
}

// Services lists every registered "<namespace>/<method>" key.
func (h *Hub) Services() []string { return h.registry.List() }

// SubscriptionPatterns lists every locally registered topic pattern.
func (h *Hub) SubscriptionPatterns() []string { return h.subs.Patterns() }

// Metrics returns a snapshot of the hub's counters and gauges.
func (h *Hub) Metrics() MetricsSnapshot {
	snap := h.metrics.Snapshot()
	snap.ActiveSubscriptions = int64(h.subs.Count())
	return snap
}

// Shutdown stops the hub: it emits the self-addressed shutdown signal
// that makes the transport's Receive fail terminally, waits up to the
// configured grace period for the receive loop to exit, then cancels all
// pending calls with a connection-lost error, terminates streaming
// subscriptions, and detaches from the bus. Safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.observer.OnEvent(ctx, observability.Event{
		Type:   "hub.shutdown.start",
		Level:  observability.LevelInfo,
		Source: h.name,
	})

	if err := h.transport.Send(ctx, envelope.NewShutdown(h.name)); err != nil {
		// Transport may already be gone; Close below still unblocks the loop.
		h.observer.OnEvent(ctx, observability.Event{
			Type:   "hub.shutdown.signal_failed",
			Level:  observability.LevelWarning,
			Source: h.name,
			Data:   map[string]any{"error": err.Error()},
		})
	}

	select {
	case <-h.done:
	case <-time.After(h.cfg.ShutdownGrace):
		h.observer.OnEvent(ctx, observability.Event{
			Type:   "hub.shutdown.grace_expired",
			Level:  observability.LevelWarning,
			Source: h.name,
		})
	}

	h.cancel()
	h.failPending()
	h.terminateStreams()
	err := h.transport.Close()

	h.observer.OnEvent(ctx, observability.Event{
		Type:   "hub.shutdown.done",
		Level:  observability.LevelInfo,
		Source: h.name,
	})
	return err
}

// Done is closed once the receive loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) send(ctx context.Context, env envelope.Envelope) error {
	if err := h.transport.Send(ctx, env); err != nil {
		return err
	}
	h.metrics.RecordMessageSent(1)
	return nil
}

// receiveLoop is the hub's single consumer of the transport. Handler
// execution is off-loop: each Request spawns its own goroutine so a slow
// handler never stalls correlation or fan-out.
func (h *Hub) receiveLoop() {
	defer close(h.done)

	for {
		env, err := h.transport.Receive(h.ctx)
		if err != nil {
			h.observer.OnEvent(h.ctx, observability.Event{
				Type:   "hub.receive_loop.exit",
				Level:  observability.LevelInfo,
				Source: h.name,
				Data:   map[string]any{"reason": err.Error()},
			})
			h.failPending()
			h.terminateStreams()
			return
		}
		h.metrics.RecordMessageRecv(1)
		h.process(env)
	}
}

func (h *Hub) process(env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindRequest:
		go h.handleRequest(env)
	case envelope.KindResponse, envelope.KindError:
		h.completeCorrelated(env)
	case envelope.KindEvent:
		h.subs.Publish(h.ctx, env.TopicOrEmpty(), env.Payload)
	case envelope.KindSubscribe:
		h.handleSubscribe(env)
	case envelope.KindUnsubscribe:
		h.handleUnsubscribe(env)
	case envelope.KindHeartbeat:
		h.peersMu.Lock()
		h.peers[env.Source] = time.Now()
		h.peersMu.Unlock()
	case envelope.KindShutdown:
		// A self-sourced shutdown never reaches here: the transport turns
		// it into a terminal Receive error. This is a peer departing.
		h.handlePeerShutdown(env)
	}
}

// handleRequest runs a service handler off the receive loop and replies
// with a Response or Error envelope correlated to the request. A
// broadcast request for a key this hub does not serve is ignored: on a
// shared bus every hub sees every broadcast, and only the key's owner
// may answer. A request targeted at this hub by name always gets a
// reply, including the not-found error.
func (h *Hub) handleRequest(req envelope.Envelope) {
	result, err := h.registry.Dispatch(h.ctx, req)
	if err != nil {
		if me, ok := meshbuserr.As(err); ok && me.Kind == meshbuserr.KindMethodNotFound && req.Target == nil {
			return
		}
		h.metrics.RecordDispatchError(1)
		h.observer.OnEvent(h.ctx, observability.Event{
			Type:   "hub.dispatch.error",
			Level:  observability.LevelWarning,
			Source: h.name,
			Data:   map[string]any{"topic": req.TopicOrEmpty(), "error": err.Error()},
		})
		if sendErr := h.send(h.ctx, envelope.NewErrorFor(h.name, req, meshbuserr.EncodePayload(err))); sendErr != nil {
			h.observer.OnEvent(h.ctx, observability.Event{
				Type:   "hub.reply.send_failed",
				Level:  observability.LevelWarning,
				Source: h.name,
				Data:   map[string]any{"error": sendErr.Error()},
			})
		}
		return
	}

	if err := h.send(h.ctx, envelope.NewResponse(h.name, req, result)); err != nil {
		h.observer.OnEvent(h.ctx, observability.Event{
			Type:   "hub.reply.send_failed",
			Level:  observability.LevelWarning,
			Source: h.name,
			Data:   map[string]any{"error": err.Error()},
		})
	}
}

// completeCorrelated resolves a Response or Error envelope against the
// pending-call table; an Error that matches no call may instead belong to
// a client-side streaming subscription (rejection or server close).
// Envelopes matching neither are discarded.
func (h *Hub) completeCorrelated(env envelope.Envelope) {
	if env.CorrelationID == nil {
		return
	}
	cid := *env.CorrelationID

	h.pendingMu.Lock()
	ch, ok := h.pending[cid]
	if ok {
		delete(h.pending, cid)
	}
	h.pendingMu.Unlock()

	if ok {
		ch <- env
		return
	}

	if env.Kind == envelope.KindError {
		h.terminateClientStream(cid, meshbuserr.DecodePayload(env.Payload))
	}
}

// failPending completes every in-flight call with connection-lost by
// closing its channel. Idempotent: completed entries are already gone.
func (h *Hub) failPending() {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

func (h *Hub) handlePeerShutdown(env envelope.Envelope) {
	h.peersMu.Lock()
	delete(h.peers, env.Source)
	h.peersMu.Unlock()

	h.streamsMu.Lock()
	for topic, sink := range h.serverStreams {
		if sink.Target() == env.Source {
			sink.Disconnect()
			delete(h.serverStreams, topic)
			h.metrics.RecordStream(-1)
		}
	}
	h.streamsMu.Unlock()

	h.observer.OnEvent(h.ctx, observability.Event{
		Type:   "hub.peer.departed",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"peer": env.Source},
	})
}
