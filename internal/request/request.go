// Package request turns a closed batch into a transport-ready Request:
// finalizers are split off, events are encoded and compressed, and the
// surviving finalizers travel with the payload.
package request

import (
	"github.com/google/uuid"

	"chroniclesink/internal/finalize"
)

// Metadata is accounting for one request. Sizes describe only the
// events that survived encoding.
type Metadata struct {
	EventCount     int
	EventsByteSize int
	// EncodedSize is the payload length before compression.
	EncodedSize int
	// RequestSize is the transmitted payload length.
	RequestSize  int
	DroppedCount int
}

// Request is the unit handed to the delivery service. It owns its
// finalizers until they are taken for resolution.
type Request struct {
	ID              string
	Key             string
	Payload         []byte
	ContentEncoding string
	Metadata        Metadata

	finalizers finalize.Finalizers
}

func newID() string { return uuid.NewString() }

// TakeFinalizers moves the request's finalizers to the caller.
func (r *Request) TakeFinalizers() finalize.Finalizers {
	fs := r.finalizers
	r.finalizers = nil
	return fs
}

// FinalizerCount returns the number of finalizers still owned.
func (r *Request) FinalizerCount() int { return len(r.finalizers) }
