package hub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshbus/pkg/codec"
	"meshbus/pkg/config"
	"meshbus/pkg/envelope"
	"meshbus/pkg/hub"
	"meshbus/pkg/meshbuserr"
	"meshbus/pkg/observability"
	"meshbus/pkg/transport/memtransport"
)

func newTestHub(t *testing.T, bus *memtransport.Bus, name string) *hub.Hub {
	t.Helper()
	h, err := hub.NewBuilder(name).
		WithTransport(bus.Attach(name, 100)).
		WithConfig(config.Config{
			DefaultTimeout:    2 * time.Second,
			ShutdownGrace:     time.Second,
			ChannelBufferSize: 16,
			Observer:          observability.NoOpObserver{},
		}).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build(%q) error = %v", name, err)
	}
	return h
}

type calcArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func registerCalc(t *testing.T, h *hub.Hub) {
	t.Helper()

	err := h.RegisterHandler("calc", "add", func(ctx context.Context, payload []byte) ([]byte, error) {
		var args calcArgs
		if err := codec.DecodeInto(payload, &args); err != nil {
			return nil, err
		}
		return codec.Encode(args.A + args.B)
	})
	if err != nil {
		t.Fatalf("RegisterHandler(calc/add) error = %v", err)
	}

	err = h.RegisterHandler("calc", "divide", func(ctx context.Context, payload []byte) ([]byte, error) {
		var args calcArgs
		if err := codec.DecodeInto(payload, &args); err != nil {
			return nil, err
		}
		if args.B == 0 {
			return nil, meshbuserr.New(meshbuserr.KindServiceError, "Division by zero")
		}
		return codec.Encode(args.A / args.B)
	})
	if err != nil {
		t.Fatalf("RegisterHandler(calc/divide) error = %v", err)
	}
}

func TestHub_EchoService(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	client := newTestHub(t, bus, "client")
	defer server.Shutdown(context.Background())
	defer client.Shutdown(context.Background())

	registerCalc(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var sum int
	if err := client.Call(ctx, "calc/add", calcArgs{A: 10, B: 5}, &sum); err != nil {
		t.Fatalf("Call(calc/add) error = %v", err)
	}
	if sum != 15 {
		t.Errorf("calc/add = %d, want 15", sum)
	}
}

func TestHub_ServiceError(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	client := newTestHub(t, bus, "client")
	defer server.Shutdown(context.Background())
	defer client.Shutdown(context.Background())

	registerCalc(t, server)

	var res int
	err := client.Call(context.Background(), "calc/divide", calcArgs{A: 10, B: 0}, &res)
	if err == nil {
		t.Fatal("Call(calc/divide) with b=0 should fail")
	}
	me, ok := meshbuserr.As(err)
	if !ok {
		t.Fatalf("error should be a typed meshbus error, got %T: %v", err, err)
	}
	if me.Kind != meshbuserr.KindServiceError {
		t.Errorf("Kind = %v, want service_error", me.Kind)
	}
	if me.Context != "Division by zero" {
		t.Errorf("Context = %q, want %q", me.Context, "Division by zero")
	}
}

func TestHub_MethodNotFound(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	client := newTestHub(t, bus, "client")
	defer server.Shutdown(context.Background())
	defer client.Shutdown(context.Background())

	registerCalc(t, server)

	err := client.Call(context.Background(), "calc/pow", calcArgs{A: 2, B: 8}, nil,
		hub.WithTarget("server"))
	if !errors.Is(err, meshbuserr.ErrMethodNotFound) {
		t.Errorf("Call(calc/pow) error = %v, want method_not_found", err)
	}
}

func TestHub_MalformedTopic(t *testing.T) {
	bus := memtransport.NewBus()
	client := newTestHub(t, bus, "client")
	defer client.Shutdown(context.Background())

	err := client.Call(context.Background(), "noslash", struct{}{}, nil)
	if !errors.Is(err, meshbuserr.ErrInvalidRequest) {
		t.Errorf("Call(noslash) error = %v, want invalid_request", err)
	}
}

func TestHub_DuplicateRegistrationFails(t *testing.T) {
	bus := memtransport.NewBus()
	h := newTestHub(t, bus, "server")
	defer h.Shutdown(context.Background())

	handler := func(ctx context.Context, payload []byte) ([]byte, error) { return nil, nil }
	if err := h.RegisterHandler("calc", "add", handler); err != nil {
		t.Fatalf("first RegisterHandler error = %v", err)
	}
	if err := h.RegisterHandler("calc", "add", handler); err == nil {
		t.Error("duplicate RegisterHandler should fail")
	}
}

func TestHub_WildcardSubscription(t *testing.T) {
	bus := memtransport.NewBus()
	subscriber := newTestHub(t, bus, "subscriber")
	publisher := newTestHub(t, bus, "publisher")
	defer subscriber.Shutdown(context.Background())
	defer publisher.Shutdown(context.Background())

	sink, handle, err := subscriber.SubscribeChan("sensor/+")
	if err != nil {
		t.Fatalf("SubscribeChan(sensor/+) error = %v", err)
	}
	defer handle.Unsubscribe()

	ctx := context.Background()
	if err := publisher.Publish(ctx, "sensor/temp", 21.5); err != nil {
		t.Fatalf("Publish(sensor/temp) error = %v", err)
	}
	if err := publisher.Publish(ctx, "sensor/humidity/room1", 60.0); err != nil {
		t.Fatalf("Publish(sensor/humidity/room1) error = %v", err)
	}

	select {
	case payload := <-sink.Values():
		v, err := codec.Decode[float64](payload)
		if err != nil {
			t.Fatalf("Decode error = %v", err)
		}
		if v != 21.5 {
			t.Errorf("received %v, want 21.5", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery for matching topic sensor/temp")
	}

	select {
	case payload := <-sink.Values():
		t.Errorf("unexpected second delivery: %q (sensor/humidity/room1 must not match sensor/+)", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_CallTimeout(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	client := newTestHub(t, bus, "client")
	defer server.Shutdown(context.Background())
	defer client.Shutdown(context.Background())

	err := server.RegisterHandler("slow", "op", func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return codec.Encode("done")
	})
	if err != nil {
		t.Fatalf("RegisterHandler(slow/op) error = %v", err)
	}

	start := time.Now()
	err = client.Call(context.Background(), "slow/op", struct{}{}, nil, hub.WithTimeout(100*time.Millisecond))
	elapsed := time.Since(start)

	if !errors.Is(err, meshbuserr.ErrTimeout) {
		t.Fatalf("Call(slow/op) error = %v, want timeout", err)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("timeout fired after %v, want ~100ms", elapsed)
	}
	if calls := client.Metrics().ActiveCalls; calls != 0 {
		t.Errorf("ActiveCalls = %d after timeout, want 0 (no pending-table residue)", calls)
	}

	// The eventual late response must be silently discarded.
	time.Sleep(600 * time.Millisecond)
	if calls := client.Metrics().ActiveCalls; calls != 0 {
		t.Errorf("ActiveCalls = %d after late response, want 0", calls)
	}
}

func TestHub_CallCancellationReclaimsPendingEntry(t *testing.T) {
	bus := memtransport.NewBus()
	client := newTestHub(t, bus, "client")
	defer client.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Call(ctx, "nobody/home", struct{}{}, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, meshbuserr.ErrConnectionLost) {
			t.Errorf("cancelled Call error = %v, want connection_lost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Call did not return")
	}
	if calls := client.Metrics().ActiveCalls; calls != 0 {
		t.Errorf("ActiveCalls = %d after cancellation, want 0", calls)
	}
}

func TestHub_OrderlyShutdown(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	client := newTestHub(t, bus, "client")
	defer server.Shutdown(context.Background())

	err := server.RegisterHandler("slow", "op", func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(5 * time.Second)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler(slow/op) error = %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- client.Call(context.Background(), "slow/op", struct{}{}, nil,
				hub.WithTimeout(10*time.Second))
		}()
	}

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown took %v, want under the grace period", elapsed)
	}

	wg.Wait()
	close(results)
	for err := range results {
		if !errors.Is(err, meshbuserr.ErrConnectionLost) {
			t.Errorf("in-flight Call error = %v, want connection_lost", err)
		}
	}

	select {
	case <-client.Done():
	default:
		t.Error("receive loop still running after Shutdown")
	}
}

func TestHub_OperationsFailAfterShutdown(t *testing.T) {
	bus := memtransport.NewBus()
	h := newTestHub(t, bus, "gone")
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error = %v", err)
	}

	if err := h.Call(context.Background(), "calc/add", struct{}{}, nil); !errors.Is(err, meshbuserr.ErrConnectionLost) {
		t.Errorf("Call after shutdown error = %v, want connection_lost", err)
	}
	if err := h.Publish(context.Background(), "t", struct{}{}); !errors.Is(err, meshbuserr.ErrConnectionLost) {
		t.Errorf("Publish after shutdown error = %v, want connection_lost", err)
	}
	if _, err := h.SubscribeStream(context.Background(), "ticks"); !errors.Is(err, meshbuserr.ErrConnectionLost) {
		t.Errorf("SubscribeStream after shutdown error = %v, want connection_lost", err)
	}
	if _, _, err := h.SubscribeChan("a/+"); !errors.Is(err, meshbuserr.ErrConnectionLost) {
		t.Errorf("Subscribe after shutdown error = %v, want connection_lost", err)
	}

	// Shutdown is idempotent.
	if err := h.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown error = %v, want nil", err)
	}
}

func TestHub_CorrelationMatchesRequestID(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	defer server.Shutdown(context.Background())

	registerCalc(t, server)

	// Drive the server with a raw transport so the reply envelope itself
	// is observable.
	probe := bus.Attach("probe", 10)
	defer probe.Close()

	req, err := envelope.NewRequest("probe", "server", "calc/add", mustEncode(t, calcArgs{A: 2, B: 3}))
	if err != nil {
		t.Fatalf("NewRequest error = %v", err)
	}
	if err := probe.Send(context.Background(), req); err != nil {
		t.Fatalf("Send error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		env, err := probe.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive error = %v", err)
		}
		if env.Kind == envelope.KindRequest {
			continue // our own broadcast copy
		}
		if env.Kind != envelope.KindResponse {
			t.Fatalf("reply kind = %v, want response", env.Kind)
		}
		if env.CorrelationID == nil || *env.CorrelationID != req.ID {
			t.Fatal("response correlation_id != request id")
		}
		if env.TargetOrEmpty() != "probe" {
			t.Errorf("response target = %q, want probe", env.TargetOrEmpty())
		}
		return
	}
}

func TestHub_ConcurrentCallsCompleteIndependently(t *testing.T) {
	bus := memtransport.NewBus()
	server := newTestHub(t, bus, "server")
	client := newTestHub(t, bus, "client")
	defer server.Shutdown(context.Background())
	defer client.Shutdown(context.Background())

	registerCalc(t, server)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var sum int
			if err := client.Call(context.Background(), "calc/add", calcArgs{A: n, B: n}, &sum); err != nil {
				t.Errorf("Call #%d error = %v", n, err)
				return
			}
			if sum != 2*n {
				t.Errorf("Call #%d = %d, want %d", n, sum, 2*n)
			}
		}(i)
	}
	wg.Wait()
}

func TestHub_HeartbeatUpdatesPeerLiveness(t *testing.T) {
	bus := memtransport.NewBus()
	a := newTestHub(t, bus, "hub-a")
	b := newTestHub(t, bus, "hub-b")
	defer a.Shutdown(context.Background())
	defer b.Shutdown(context.Background())

	if err := a.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := b.Peers()["hub-a"]; ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("hub-b never recorded hub-a's heartbeat")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := codec.Encode(v)
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	return data
}
