package finalize

import "fmt"

// EventStatus is the terminal state of a single event's delivery
// obligation.
type EventStatus uint8

const (
	// StatusDelivered means the destination accepted the event.
	StatusDelivered EventStatus = iota + 1
	// StatusErrored means the pipeline could not attempt delivery, e.g.
	// the sink stopped before the event was admitted.
	StatusErrored
	// StatusRejected means the event will never be delivered: it failed
	// to encode, had no partition key, or the destination refused it.
	StatusRejected
)

func (s EventStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusErrored:
		return "errored"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// BatchStatus is the verdict a producer observes once every event it
// submitted together has been resolved.
type BatchStatus uint8

const (
	BatchDelivered BatchStatus = iota + 1
	BatchRejected
)

func (s BatchStatus) String() string {
	switch s {
	case BatchDelivered:
		return "delivered"
	case BatchRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
