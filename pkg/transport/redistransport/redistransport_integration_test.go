//go:build integration

// Integration test against a live Redis instance. Run with:
//
//	REDIS_ADDR=localhost:6379 go test -tags=integration ./pkg/transport/redistransport/...
package redistransport_test

import (
	"context"
	"os"
	"testing"
	"time"

	"meshbus/pkg/envelope"
	"meshbus/pkg/transport/redistransport"
)

func requireRedisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping redistransport integration test")
	}
	return addr
}

func TestSendReceiveAgainstLiveRedis(t *testing.T) {
	addr := requireRedisAddr(t)
	ctx := context.Background()

	opts := redistransport.DefaultOptions()
	opts.Addr = addr

	a, err := redistransport.New(ctx, "a", "it-bus", opts)
	if err != nil {
		t.Fatalf("New(a): %v", err)
	}
	defer a.Close()

	b, err := redistransport.New(ctx, "b", "it-bus", opts)
	if err != nil {
		t.Fatalf("New(b): %v", err)
	}
	defer b.Close()

	evt, err := envelope.NewEvent("a", "ticks", []byte("1"))
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if err := a.Send(ctx, evt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := b.Receive(recvCtx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.ID != evt.ID {
		t.Fatalf("got envelope id %v, want %v", got.ID, evt.ID)
	}
}
