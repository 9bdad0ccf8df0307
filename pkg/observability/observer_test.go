package observability_test

import (
	"context"
	"testing"
	"time"

	"meshbus/pkg/observability"
)

type recordingObserver struct {
	events []observability.Event
}

func (r *recordingObserver) OnEvent(ctx context.Context, event observability.Event) {
	r.events = append(r.events, event)
}

func TestMultiObserverFansOutToAll(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	multi := observability.NewMultiObserver(a, b, nil)

	multi.OnEvent(context.Background(), observability.Event{
		Type:      "hub.call.start",
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "hub-a",
	})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both observers to receive the event, got a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestNoOpObserverDiscardsSilently(t *testing.T) {
	var o observability.NoOpObserver
	o.OnEvent(context.Background(), observability.Event{Type: "noop"})
}

func TestLevelStringMapping(t *testing.T) {
	cases := map[observability.Level]string{
		observability.LevelVerbose: "DEBUG",
		observability.LevelInfo:    "INFO",
		observability.LevelWarning: "WARN",
		observability.LevelError:   "ERROR",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}
