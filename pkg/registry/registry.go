// Package registry maps "<namespace>/<method>" keys to request handlers
// and dispatches incoming request payloads to them. Each Hub owns its
// own Registry instance; nothing here is process-global.
package registry

import (
	"context"
	"fmt"
	"sync"

	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
)

// Handler processes a Request's payload bytes and returns either success
// bytes or a typed error, serialized into the reply envelope by the Hub.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Service contributes one or more namespace-scoped Handlers. A single
// Service's Bindings share its Namespace; the composite registration key
// is "<Namespace()>/<method>" for each key in Bindings().
type Service interface {
	Namespace() string
	Bindings() map[string]Handler
}

// HandlerFunc adapts a single Namespace/Handler pair into a Service, for
// callers that want to register one method without defining a type.
type HandlerFunc struct {
	NamespaceName string
	Method        string
	Fn            Handler
}

func (h HandlerFunc) Namespace() string { return h.NamespaceName }

func (h HandlerFunc) Bindings() map[string]Handler {
	return map[string]Handler{h.Method: h.Fn}
}

// Registry maps "<namespace>/<method>" keys to Handlers. Zero value is
// usable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Handler)}
}

// Register installs every (namespace, method) binding contributed by svc.
// Re-registration of an existing key fails and leaves the registry
// unchanged: every key svc contributes is checked before any is
// installed, so a conflict never leaves a partial registration.
func (r *Registry) Register(svc Service) error {
	ns := svc.Namespace()
	if ns == "" {
		return meshbuserr.New(meshbuserr.KindInvalidRequest, "registry: service namespace must be non-empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]Handler)
	}

	for method := range svc.Bindings() {
		key := ns + "/" + method
		if _, exists := r.entries[key]; exists {
			return meshbuserr.New(meshbuserr.KindInvalidRequest, fmt.Sprintf("registry: key %q already registered", key))
		}
	}
	for method, handler := range svc.Bindings() {
		r.entries[ns+"/"+method] = handler
	}
	return nil
}

// Get looks up the handler for a validated "<namespace>/<method>" topic.
func (r *Registry) Get(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[topic]
	return h, ok
}

// List returns every registered key, for introspection.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Dispatch parses the Request's topic, looks up its handler, invokes it,
// and returns success bytes or a typed error. The caller (pkg/hub) wraps
// the result into a Response or Error envelope; Dispatch itself builds no
// envelopes so it stays independently testable.
func (r *Registry) Dispatch(ctx context.Context, req envelope.Envelope) ([]byte, error) {
	topic := req.TopicOrEmpty()
	_, _, err := envelope.SplitServiceTopic(topic)
	if err != nil {
		return nil, meshbuserr.Wrap(meshbuserr.KindMethodNotFound, fmt.Sprintf("registry: malformed topic %q", topic), err)
	}

	handler, ok := r.Get(topic)
	if !ok {
		return nil, meshbuserr.New(meshbuserr.KindMethodNotFound, fmt.Sprintf("registry: no handler for %q", topic))
	}

	result, err := handler(ctx, req.Payload)
	if err != nil {
		if me, ok := meshbuserr.As(err); ok {
			return nil, me
		}
		return nil, meshbuserr.Wrap(meshbuserr.KindServiceError, "registry: handler failed", err)
	}
	return result, nil
}
