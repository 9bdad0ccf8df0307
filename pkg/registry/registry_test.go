package registry_test

import (
	"context"
	"errors"
	"testing"

	"meshbus/pkg/envelope"
	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/registry"
)

type calcService struct{}

func (calcService) Namespace() string { return "calc" }

func (calcService) Bindings() map[string]registry.Handler {
	return map[string]registry.Handler{
		"add": func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("15"), nil
		},
		"divide": func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, meshbuserr.New(meshbuserr.KindServiceError, "division by zero")
		},
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	r := registry.New()
	if err := r.Register(calcService{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req, _ := envelope.NewRequest("client", "server", "calc/add", nil)
	result, err := r.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(result) != "15" {
		t.Fatalf("got %q, want %q", result, "15")
	}
}

func TestDispatchUnregisteredKeyReturnsMethodNotFound(t *testing.T) {
	r := registry.New()
	req, _ := envelope.NewRequest("client", "server", "calc/subtract", nil)

	_, err := r.Dispatch(context.Background(), req)
	if !errors.Is(err, meshbuserr.ErrMethodNotFound) {
		t.Fatalf("expected MethodNotFound, got %v", err)
	}
}

func TestDispatchMalformedTopicReturnsMethodNotFound(t *testing.T) {
	r := registry.New()
	req := envelope.Envelope{Source: "client"}

	_, err := r.Dispatch(context.Background(), req)
	if !errors.Is(err, meshbuserr.ErrMethodNotFound) {
		t.Fatalf("expected MethodNotFound, got %v", err)
	}
}

func TestDispatchPropagatesServiceError(t *testing.T) {
	r := registry.New()
	if err := r.Register(calcService{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req, _ := envelope.NewRequest("client", "server", "calc/divide", nil)
	_, err := r.Dispatch(context.Background(), req)
	if !errors.Is(err, meshbuserr.ErrServiceError) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	r := registry.New()
	if err := r.Register(calcService{}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(calcService{}); err == nil {
		t.Fatalf("expected error re-registering existing keys")
	}
}

func TestHandlerFuncAdapter(t *testing.T) {
	r := registry.New()
	svc := registry.HandlerFunc{
		NamespaceName: "echo",
		Method:        "ping",
		Fn: func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("pong"), nil
		},
	}
	if err := r.Register(svc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	req, _ := envelope.NewRequest("client", "server", "echo/ping", nil)
	result, err := r.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(result) != "pong" {
		t.Fatalf("got %q, want pong", result)
	}
}

func TestListReturnsRegisteredKeys(t *testing.T) {
	r := registry.New()
	if err := r.Register(calcService{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	keys := r.List()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}
}
