package hub

import "sync/atomic"

// MetricsSnapshot is a point-in-time copy of a hub's counters.
// ActiveSubscriptions is filled in by Hub.Metrics from the subscription
// index rather than counted here.
type MetricsSnapshot struct {
	MessagesSent        int64
	MessagesRecv        int64
	ActiveCalls         int64
	ActiveSubscriptions int64
	ActiveStreams       int64
	DispatchErrors      int64
}

// Metrics tracks hub activity with atomic counters so the receive loop
// and callers never contend on a lock just to count.
type Metrics struct {
	messagesSent   atomic.Int64
	messagesRecv   atomic.Int64
	activeCalls    atomic.Int64
	activeStreams  atomic.Int64
	dispatchErrors atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordMessageSent(delta int)   { m.messagesSent.Add(int64(delta)) }
func (m *Metrics) RecordMessageRecv(delta int)   { m.messagesRecv.Add(int64(delta)) }
func (m *Metrics) RecordActiveCall(delta int)    { m.activeCalls.Add(int64(delta)) }
func (m *Metrics) RecordStream(delta int)        { m.activeStreams.Add(int64(delta)) }
func (m *Metrics) RecordDispatchError(delta int) { m.dispatchErrors.Add(int64(delta)) }

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesSent:   m.messagesSent.Load(),
		MessagesRecv:   m.messagesRecv.Load(),
		ActiveCalls:    m.activeCalls.Load(),
		ActiveStreams:  m.activeStreams.Load(),
		DispatchErrors: m.dispatchErrors.Load(),
	}
}
