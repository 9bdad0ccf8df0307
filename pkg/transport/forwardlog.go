package transport

import (
	"sync"

	"meshbus/pkg/envelope"
)

// maxForwardLog bounds the re-forward dedup window. Old entries are
// discarded wholesale once the window fills; a stale ID reappearing
// after that only costs one redundant forward, never a loop.
const maxForwardLog = 1024

// ForwardLog remembers which misrouted envelope IDs an adapter has
// already re-forwarded. On a fabric that broadcasts every envelope to
// every attachment, the re-forwarded copy comes straight back to the
// forwarder; without this one-shot record it would bounce forever.
type ForwardLog struct {
	mu   sync.Mutex
	seen map[envelope.ID]struct{}
}

func NewForwardLog() *ForwardLog {
	return &ForwardLog{seen: make(map[envelope.ID]struct{})}
}

// FirstSight records id and reports whether this is its first
// appearance. Only a first sighting should be re-forwarded.
func (l *ForwardLog) FirstSight(id envelope.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return false
	}
	if len(l.seen) >= maxForwardLog {
		l.seen = make(map[envelope.ID]struct{})
	}
	l.seen[id] = struct{}{}
	return true
}
