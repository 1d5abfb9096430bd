package storage

import (
	"context"
	"time"
)

// DeadLetter is one request the destination rejected, kept for
// inspection and manual replay.
type DeadLetter struct {
	ID              int64
	RequestID       string
	Sink            string
	Key             string
	EventCount      int
	Payload         []byte
	ContentEncoding string
	Reason          string
	StatusCode      int
	Attempts        int
	CreatedAt       time.Time
}

// DeadLetterStore is the contract for durable dead-letter persistence.
// Records are append-only.
type DeadLetterStore interface {
	Record(ctx context.Context, dl DeadLetter) error
	// List returns the newest records first.
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}
