// Package event defines the records that flow through the sink: log
// events with free-form fields and metric events, each carrying the
// finalizers owed to the producer that emitted it.
package event

import (
	"strings"
	"time"

	"chroniclesink/internal/finalize"
)

// Well-known log field names.
const (
	MessageKey   = "message"
	TimestampKey = "timestamp"
	HostKey      = "host"
)

type Kind uint8

const (
	KindLog Kind = iota + 1
	KindMetric
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindMetric:
		return "metric"
	default:
		return "unknown"
	}
}

// Event is either a Log or a Metric. Ownership moves linearly through
// the pipeline: each stage consumes the event and re-emits it.
type Event struct {
	Log    *Log
	Metric *Metric

	finalizers finalize.Finalizers
}

// Log is a structured log record. Nested objects are map[string]any.
type Log struct {
	Fields map[string]any
}

// NewLog builds a log event from fields. A nil map is replaced with an
// empty one.
func NewLog(fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Log: &Log{Fields: fields}}
}

// NewMessage builds a log event with a message and, when ts is non-zero,
// a timestamp.
func NewMessage(message string, ts time.Time) Event {
	fields := map[string]any{MessageKey: message}
	if !ts.IsZero() {
		fields[TimestampKey] = ts.UTC()
	}
	return NewLog(fields)
}

func (e Event) Kind() Kind {
	switch {
	case e.Log != nil:
		return KindLog
	case e.Metric != nil:
		return KindMetric
	default:
		return 0
	}
}

// WithFinalizer attaches f and returns the event.
func (e Event) WithFinalizer(f *finalize.Finalizer) Event {
	e.finalizers = append(e.finalizers, f)
	return e
}

// WithFinalizers attaches every handle in fs and returns the event.
func (e Event) WithFinalizers(fs finalize.Finalizers) Event {
	e.finalizers = e.finalizers.Merge(fs)
	return e
}

// TakeFinalizers moves the event's finalizers out. The caller becomes
// their only owner.
func (e *Event) TakeFinalizers() finalize.Finalizers {
	fs := e.finalizers
	e.finalizers = nil
	return fs
}

// FinalizerCount returns the number of finalizers still attached.
func (e Event) FinalizerCount() int { return len(e.finalizers) }

// Get looks up a dotted field path. Metrics expose name, namespace,
// kind, value and tags.<tag>.
func (e Event) Get(path string) (any, bool) {
	switch {
	case e.Log != nil:
		return lookup(e.Log.Fields, path)
	case e.Metric != nil:
		return e.Metric.get(path)
	default:
		return nil, false
	}
}

// Insert sets a dotted field path on a log event, creating intermediate
// objects as needed. It is a no-op on metrics.
func (e Event) Insert(path string, value any) {
	if e.Log == nil {
		return
	}
	parts := strings.Split(path, ".")
	m := e.Log.Fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Remove deletes a dotted field path from a log event.
func (e Event) Remove(path string) {
	if e.Log == nil {
		return
	}
	parts := strings.Split(path, ".")
	m := e.Log.Fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

// Timestamp returns the event time if one is set. Log timestamps may be
// time.Time or an RFC 3339 string.
func (e Event) Timestamp() (time.Time, bool) {
	switch {
	case e.Log != nil:
		v, ok := e.Log.Fields[TimestampKey]
		if !ok {
			return time.Time{}, false
		}
		switch ts := v.(type) {
		case time.Time:
			return ts, true
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return time.Time{}, false
			}
			return parsed, true
		}
		return time.Time{}, false
	case e.Metric != nil:
		return e.Metric.Timestamp, !e.Metric.Timestamp.IsZero()
	}
	return time.Time{}, false
}

func lookup(fields map[string]any, path string) (any, bool) {
	if v, ok := fields[path]; ok {
		return v, true
	}
	var cur any = fields
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
