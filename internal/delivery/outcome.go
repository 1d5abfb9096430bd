package delivery

import (
	"context"
	"fmt"

	"chroniclesink/internal/request"
)

// Outcome classifies one transport attempt.
type Outcome uint8

const (
	Delivered Outcome = iota + 1
	// Rejected is deterministic and never retried.
	Rejected
	// Retriable is transient and may be sent again.
	Retriable
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Retriable:
		return "retriable"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Response is the raw result of a transport call. StatusCode is zero for
// transports without one.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs the network call for one attempt.
type Transport interface {
	Send(ctx context.Context, req *request.Request) (Response, error)
}

// RetryLogic maps a transport result to an Outcome.
type RetryLogic interface {
	Classify(resp Response, err error) Outcome
}

// RetryLogicFunc adapts a function to RetryLogic.
type RetryLogicFunc func(Response, error) Outcome

func (f RetryLogicFunc) Classify(resp Response, err error) Outcome { return f(resp, err) }

// Result is the terminal verdict for a request after all retries.
// Outcome is Delivered or Rejected.
type Result struct {
	Outcome  Outcome
	Attempts int
	Response Response
	// Err is the last transport error, a ceiling error, or the context
	// error when the call was abandoned.
	Err error
}
