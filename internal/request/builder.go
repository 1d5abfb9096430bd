package request

import (
	"fmt"

	"chroniclesink/internal/batch"
	"chroniclesink/internal/codec"
	"chroniclesink/internal/compression"
	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
)

// Encoder turns one batch into a payload. Events it cannot encode are
// reported by index in dropped and left out of the payload. A non-nil
// error fails the whole batch.
type Encoder interface {
	EncodeBatch(key string, events []event.Event) (payload []byte, dropped []int, err error)
}

// Builder is the per-destination recipe: an encoder plus compression.
type Builder struct {
	Encoder     Encoder
	Compression compression.Compression
}

type splitInput struct {
	key        string
	finalizers []finalize.Finalizers
	sizes      []int
}

// split takes ownership of every finalizer in b, indexed by event
// position, and records the pre-encode sizes.
func (bl Builder) split(b *batch.Batch) (splitInput, []event.Event) {
	s := splitInput{
		key:        b.Key,
		finalizers: make([]finalize.Finalizers, len(b.Events)),
		sizes:      make([]int, len(b.Events)),
	}
	for i := range b.Events {
		s.finalizers[i] = b.Events[i].TakeFinalizers()
		s.sizes[i] = b.Events[i].SizeOf()
	}
	events := b.Events
	b.Events = nil
	return s, events
}

// Build runs split, encode, compress and build for one batch. Events the
// encoder drops are resolved Rejected here. When encoding or compression
// fails every finalizer in the batch is resolved Rejected and the error
// is returned.
func (bl Builder) Build(b batch.Batch) (*Request, error) {
	s, events := bl.split(&b)

	payload, dropped, err := bl.Encoder.EncodeBatch(s.key, events)
	if err != nil {
		s.resolveAll(finalize.StatusRejected)
		return nil, fmt.Errorf("encode batch %q: %w", s.key, err)
	}

	skip := make(map[int]struct{}, len(dropped))
	for _, i := range dropped {
		if i < 0 || i >= len(events) {
			continue
		}
		if _, seen := skip[i]; seen {
			continue
		}
		skip[i] = struct{}{}
		finalize.Resolve(s.finalizers[i], finalize.StatusRejected)
		s.finalizers[i] = nil
	}

	encodedSize := len(payload)
	body, err := bl.Compression.Compress(payload)
	if err != nil {
		s.resolveAll(finalize.StatusRejected)
		return nil, fmt.Errorf("compress batch %q: %w", s.key, err)
	}

	req := &Request{
		ID:              newID(),
		Key:             s.key,
		Payload:         body,
		ContentEncoding: bl.Compression.ContentEncoding(),
		Metadata: Metadata{
			EncodedSize:  encodedSize,
			RequestSize:  len(body),
			DroppedCount: len(skip),
		},
	}
	for i := range events {
		if _, ok := skip[i]; ok {
			continue
		}
		req.Metadata.EventCount++
		req.Metadata.EventsByteSize += s.sizes[i]
		req.finalizers = req.finalizers.Merge(s.finalizers[i])
	}
	return req, nil
}

func (s splitInput) resolveAll(status finalize.EventStatus) {
	for i, fs := range s.finalizers {
		finalize.Resolve(fs, status)
		s.finalizers[i] = nil
	}
}

// EventEncoder applies an optional transformer and a per-event codec to
// every event and joins the results with Separator.
type EventEncoder struct {
	Transformer codec.Transformer
	Codec       codec.Encoder
	Separator   []byte
}

func (e EventEncoder) EncodeBatch(_ string, events []event.Event) ([]byte, []int, error) {
	var (
		out     []byte
		dropped []int
		written int
	)
	for i := range events {
		ev := events[i]
		if e.Transformer != nil {
			e.Transformer.Transform(&ev)
		}
		encoded, err := e.Codec.Encode(ev)
		if err != nil {
			dropped = append(dropped, i)
			continue
		}
		if written > 0 {
			out = append(out, e.Separator...)
		}
		out = append(out, encoded...)
		written++
	}
	return out, dropped, nil
}
