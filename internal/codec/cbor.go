package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"chroniclesink/internal/event"
)

// CBOREncoder writes events with Core Deterministic Encoding: the same
// event always produces identical bytes.
type CBOREncoder struct {
	mode cbor.EncMode
}

func NewCBOREncoder() (*CBOREncoder, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &CBOREncoder{mode: mode}, nil
}

func (c *CBOREncoder) Encode(e event.Event) ([]byte, error) {
	var v any
	switch {
	case e.Log != nil:
		v = e.Log.Fields
	case e.Metric != nil:
		v = metricDocument(e.Metric)
	default:
		return nil, fmt.Errorf("cbor: %w", ErrUnsupportedEvent)
	}
	out, err := c.mode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor: %w", err)
	}
	return out, nil
}
