package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/observability"
	"meshbus/pkg/subscription"
)

// streamTopic derives the synthetic per-subscription topic that carries
// an accepted stream's values. Both sides compute it from the Subscribe
// envelope's ID, so no extra negotiation round-trip is needed.
func streamTopic(id envelope.ID) string {
	return "$stream/" + id.String()
}

// StreamProvider produces values for one remote streaming subscription.
// It receives the pending sink and must Accept or Reject it before the
// subscriber sees anything; after Accept it pushes values through the
// returned ActiveSink until SendValue reports the subscriber is gone.
type StreamProvider func(ctx context.Context, pending *subscription.PendingSink)

// RegisterStreamProvider installs provider as the producer for remote
// subscriptions to topic. One provider per topic; re-registration fails.
func (h *Hub) RegisterStreamProvider(topic string, provider StreamProvider) error {
	if h.closed.Load() {
		return meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
	if topic == "" {
		return meshbuserr.New(meshbuserr.KindInvalidRequest, "hub: stream topic must be non-empty")
	}
	if provider == nil {
		return meshbuserr.New(meshbuserr.KindInvalidRequest, "hub: stream provider must be non-nil")
	}

	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	if _, exists := h.providers[topic]; exists {
		return meshbuserr.New(meshbuserr.KindInvalidRequest, fmt.Sprintf("hub: stream topic %q already registered", topic))
	}
	h.providers[topic] = provider
	return nil
}

// StreamSubscription is the client half of a streaming subscription:
// values accepted by the remote provider arrive on Values, terminal
// conditions (rejection, server close, hub shutdown) on Recv's error
// return. Close drops the subscription; the provider observes the drop
// on its next SendValue.
type StreamSubscription struct {
	id          envelope.ID
	topic       string
	streamTopic string
	sink        *subscription.ChannelSink
	handle      subscription.Handle
	hub         *Hub

	errCh     chan *meshbuserr.Error
	closeOnce sync.Once
}

// SubscribeStream asks the bus for a streaming subscription to topic. The
// returned subscription starts receiving values once a remote provider
// accepts; a rejection surfaces as a SubscriptionRejected error from Recv.
func (h *Hub) SubscribeStream(ctx context.Context, topic string) (*StreamSubscription, error) {
	if h.closed.Load() {
		return nil, meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
	if topic == "" {
		return nil, meshbuserr.New(meshbuserr.KindInvalidRequest, "hub: stream topic must be non-empty")
	}

	env := envelope.NewSubscribe(h.name, topic)
	st := streamTopic(env.ID)

	sink := subscription.NewChannelSink(h.cfg.ChannelBufferSize, subscription.WithObserver(h.observer, h.name))
	handle, err := h.subs.Subscribe(st, sink)
	if err != nil {
		return nil, err
	}

	sub := &StreamSubscription{
		id:          env.ID,
		topic:       topic,
		streamTopic: st,
		sink:        sink,
		handle:      handle,
		hub:         h,
		errCh:       make(chan *meshbuserr.Error, 1),
	}

	h.streamsMu.Lock()
	h.clientStreams[env.ID] = sub
	h.streamsMu.Unlock()

	if err := h.send(ctx, env); err != nil {
		h.streamsMu.Lock()
		delete(h.clientStreams, env.ID)
		h.streamsMu.Unlock()
		handle.Unsubscribe()
		return nil, err
	}

	h.observer.OnEvent(ctx, observability.Event{
		Type:   "hub.stream.subscribe",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"topic": topic, "id": env.ID.String()},
	})

	return sub, nil
}

// ID returns the subscription identifier.
func (s *StreamSubscription) ID() envelope.ID { return s.id }

// Topic returns the topic the subscription was requested for.
func (s *StreamSubscription) Topic() string { return s.topic }

// Values exposes the raw value channel for range loops. Terminal errors
// are only visible through Recv; a rejected or closed stream simply stops
// producing here.
func (s *StreamSubscription) Values() <-chan []byte {
	return s.sink.Values()
}

// Recv returns the next value pushed by the provider, or the terminal
// error that ended the stream. Values buffered before the stream ended
// are drained before the terminal error is reported.
func (s *StreamSubscription) Recv(ctx context.Context) ([]byte, error) {
	select {
	case v := <-s.sink.Values():
		return v, nil
	default:
	}

	select {
	case v := <-s.sink.Values():
		return v, nil
	case err := <-s.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, meshbuserr.Wrap(meshbuserr.KindConnectionLost, "hub: stream recv cancelled", ctx.Err())
	case <-s.hub.ctx.Done():
		return nil, meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down")
	}
}

// Close drops the subscription: the local record is removed and an
// unsubscribe envelope tells the provider side, whose next SendValue
// observes the disconnect. Safe to call more than once.
func (s *StreamSubscription) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.hub.streamsMu.Lock()
		delete(s.hub.clientStreams, s.id)
		s.hub.streamsMu.Unlock()
		s.handle.Unsubscribe()

		env := envelope.NewUnsubscribe(s.hub.name, s.streamTopic)
		if err := s.hub.send(ctx, env); err != nil && !errors.Is(err, meshbuserr.ErrTransportClosed) {
			s.hub.observer.OnEvent(ctx, observability.Event{
				Type:   "hub.stream.unsubscribe_failed",
				Level:  observability.LevelWarning,
				Source: s.hub.name,
				Data:   map[string]any{"error": err.Error()},
			})
		}
	})
}

// fail delivers a terminal error to Recv, at most once.
func (s *StreamSubscription) fail(err *meshbuserr.Error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// handleSubscribe services a remote Subscribe envelope: if this hub has a
// provider for the requested topic, a pending sink is issued to it on its
// own goroutine. Hubs without a provider stay silent; on a shared bus
// every hub sees every subscribe request.
func (h *Hub) handleSubscribe(env envelope.Envelope) {
	topic := env.TopicOrEmpty()

	h.streamsMu.Lock()
	provider, ok := h.providers[topic]
	h.streamsMu.Unlock()
	if !ok {
		return
	}

	st := streamTopic(env.ID)
	pending := subscription.NewPendingSink(env.ID, h.name, env.Source, st, h.send)

	h.streamsMu.Lock()
	h.serverStreams[st] = pending
	h.streamsMu.Unlock()
	h.metrics.RecordStream(1)

	h.observer.OnEvent(h.ctx, observability.Event{
		Type:   "hub.stream.pending",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"topic": topic, "subscriber": env.Source, "id": env.ID.String()},
	})

	go provider(h.ctx, pending)
}

// handleUnsubscribe disconnects the server-side sink for the stream the
// envelope names, so the provider's next SendValue fails.
func (h *Hub) handleUnsubscribe(env envelope.Envelope) {
	topic := env.TopicOrEmpty()

	h.streamsMu.Lock()
	sink, ok := h.serverStreams[topic]
	if ok {
		delete(h.serverStreams, topic)
	}
	h.streamsMu.Unlock()
	if !ok {
		return
	}

	sink.Disconnect()
	h.metrics.RecordStream(-1)
	h.observer.OnEvent(h.ctx, observability.Event{
		Type:   "hub.stream.peer_drop",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"stream": topic, "subscriber": env.Source},
	})
}

// terminateClientStream ends the client half of a stream with err: used
// for provider rejections and server-side closes, both of which arrive
// as correlated Error envelopes that matched no pending call.
func (h *Hub) terminateClientStream(cid envelope.ID, err *meshbuserr.Error) {
	h.streamsMu.Lock()
	sub, ok := h.clientStreams[cid]
	if ok {
		delete(h.clientStreams, cid)
	}
	h.streamsMu.Unlock()
	if !ok {
		return
	}

	sub.handle.Unsubscribe()
	sub.fail(err)

	h.observer.OnEvent(h.ctx, observability.Event{
		Type:   "hub.stream.terminated",
		Level:  observability.LevelInfo,
		Source: h.name,
		Data:   map[string]any{"id": cid.String(), "reason": err.Error()},
	})
}

// terminateStreams tears down every stream on shutdown: server sinks are
// disconnected so providers stop, client halves get connection-lost.
func (h *Hub) terminateStreams() {
	h.streamsMu.Lock()
	serverSinks := make([]*subscription.PendingSink, 0, len(h.serverStreams))
	for topic, sink := range h.serverStreams {
		serverSinks = append(serverSinks, sink)
		delete(h.serverStreams, topic)
	}
	clientSubs := make([]*StreamSubscription, 0, len(h.clientStreams))
	for id, sub := range h.clientStreams {
		clientSubs = append(clientSubs, sub)
		delete(h.clientStreams, id)
	}
	h.streamsMu.Unlock()

	for _, sink := range serverSinks {
		sink.Disconnect()
		h.metrics.RecordStream(-1)
	}
	for _, sub := range clientSubs {
		sub.handle.Unsubscribe()
		sub.fail(meshbuserr.New(meshbuserr.KindConnectionLost, "hub: shut down"))
	}
}
