package codec

import (
	"fmt"

	"chroniclesink/internal/event"
)

// TextEncoder writes the log's message field as-is.
type TextEncoder struct{}

func (TextEncoder) Encode(e event.Event) ([]byte, error) {
	if e.Log == nil {
		return nil, fmt.Errorf("text: %w: %s", ErrUnsupportedEvent, e.Kind())
	}
	v, ok := e.Log.Fields[event.MessageKey]
	if !ok || v == nil {
		return nil, fmt.Errorf("text: event has no %q field", event.MessageKey)
	}
	return []byte(event.ValueString(v)), nil
}
