// Package ingest holds what every source shares: handing events to the
// sink and decoding raw payloads into events.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
)

// Source produces events with finalizers attached until ctx is done.
type Source interface {
	Run(ctx context.Context) error
}

var (
	ErrEmptyPayload  = errors.New("ingest: empty payload")
	ErrNotJSONObject = errors.New("ingest: payload is not a JSON object")
)

// Emit hands e to the sink. The events channel is expected to be
// unbuffered: a send only completes when the driver has taken ownership
// of e, so when ctx ends first e is resolved Errored here and false is
// returned.
func Emit(ctx context.Context, out chan<- event.Event, e event.Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		finalize.Resolve(e.TakeFinalizers(), finalize.StatusErrored)
		return false
	}
}

// EmitAll emits events sharing one notifier and seals it. Events left
// unsent when ctx ends are resolved Errored, so the notifier always
// reports a status.
func EmitAll(ctx context.Context, out chan<- event.Event, events []event.Event) <-chan finalize.BatchStatus {
	notifier, status := finalize.NewBatchNotifier()
	for _, e := range events {
		e = e.WithFinalizer(notifier.NewFinalizer())
		if ctx.Err() != nil {
			finalize.Resolve(e.TakeFinalizers(), finalize.StatusErrored)
			continue
		}
		Emit(ctx, out, e)
	}
	notifier.Seal()
	return status
}

// DecodePayload turns a raw message body into a log event. A JSON object
// becomes the event's fields; anything else is kept verbatim under
// event.MessageKey. received stamps events without a timestamp field.
func DecodePayload(payload []byte, received time.Time) (event.Event, error) {
	if strings.TrimSpace(string(payload)) == "" {
		return event.Event{}, ErrEmptyPayload
	}
	if e, err := DecodeJSON(payload, received); err == nil {
		return e, nil
	}
	return event.NewMessage(string(payload), received), nil
}

// DecodeJSON decodes payload as a JSON object of fields.
func DecodeJSON(payload []byte, received time.Time) (event.Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return event.Event{}, ErrEmptyPayload
	}
	if trimmed[0] != '{' {
		return event.Event{}, ErrNotJSONObject
	}
	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return event.Event{}, fmt.Errorf("ingest: decode json: %w", err)
	}
	if _, ok := fields[event.TimestampKey]; !ok && !received.IsZero() {
		fields[event.TimestampKey] = received.UTC()
	}
	return event.NewLog(fields), nil
}
