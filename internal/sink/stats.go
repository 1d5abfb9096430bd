package sink

import "sync/atomic"

// Stats counts events and requests through one driver. All counters are
// safe for concurrent use.
type Stats struct {
	eventsReceived      atomic.Int64
	eventsUnpartitioned atomic.Int64
	eventsDropped       atomic.Int64
	eventsDelivered     atomic.Int64
	eventsRejected      atomic.Int64
	eventsErrored       atomic.Int64
	requestsDelivered   atomic.Int64
	requestsRejected    atomic.Int64
	requestsFailed      atomic.Int64
	attempts            atomic.Int64
	bytesSent           atomic.Int64
	inFlight            func() int
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	EventsReceived      int64 `json:"events_received"`
	EventsUnpartitioned int64 `json:"events_unpartitioned"`
	EventsDropped       int64 `json:"events_dropped"`
	EventsDelivered     int64 `json:"events_delivered"`
	EventsRejected      int64 `json:"events_rejected"`
	EventsErrored       int64 `json:"events_errored"`
	RequestsDelivered   int64 `json:"requests_delivered"`
	RequestsRejected    int64 `json:"requests_rejected"`
	RequestsFailed      int64 `json:"requests_failed"`
	Attempts            int64 `json:"attempts"`
	BytesSent           int64 `json:"bytes_sent"`
	InFlight            int   `json:"in_flight"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		EventsReceived:      s.eventsReceived.Load(),
		EventsUnpartitioned: s.eventsUnpartitioned.Load(),
		EventsDropped:       s.eventsDropped.Load(),
		EventsDelivered:     s.eventsDelivered.Load(),
		EventsRejected:      s.eventsRejected.Load(),
		EventsErrored:       s.eventsErrored.Load(),
		RequestsDelivered:   s.requestsDelivered.Load(),
		RequestsRejected:    s.requestsRejected.Load(),
		RequestsFailed:      s.requestsFailed.Load(),
		Attempts:            s.attempts.Load(),
		BytesSent:           s.bytesSent.Load(),
	}
	if s.inFlight != nil {
		snap.InFlight = s.inFlight()
	}
	return snap
}
