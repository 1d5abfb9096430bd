// Package codec holds the per-event serializers a destination plugs into
// its request builder, the field transformer applied before them, and
// the decoders and framing used by sources.
package codec

import (
	"errors"
	"fmt"

	"chroniclesink/internal/event"
)

// Encoder serializes a single event.
type Encoder interface {
	Encode(e event.Event) ([]byte, error)
}

// ErrUnsupportedEvent is returned when a codec cannot represent the
// event's kind.
var ErrUnsupportedEvent = errors.New("codec: unsupported event kind")

const (
	CodecText = "text"
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Config selects a codec and the transformations applied before it.
type Config struct {
	Codec           string   `mapstructure:"codec"`
	OnlyFields      []string `mapstructure:"only_fields"`
	ExceptFields    []string `mapstructure:"except_fields"`
	TimestampFormat string   `mapstructure:"timestamp_format"`
}

func (c Config) Validate() error {
	switch c.Codec {
	case CodecText, CodecJSON, CodecCBOR:
	case "":
		return fmt.Errorf("encoding.codec is required")
	default:
		return fmt.Errorf("encoding.codec %q is not one of text, json, cbor", c.Codec)
	}
	_, err := c.Transformer()
	return err
}

// Encoder builds the configured serializer.
func (c Config) Encoder() (Encoder, error) {
	switch c.Codec {
	case CodecText:
		return TextEncoder{}, nil
	case CodecJSON:
		return JSONEncoder{}, nil
	case CodecCBOR:
		return NewCBOREncoder()
	default:
		return nil, fmt.Errorf("unknown codec %q", c.Codec)
	}
}

// Transformer builds the field transformer for the configuration.
func (c Config) Transformer() (*FieldTransformer, error) {
	format, err := ParseTimestampFormat(c.TimestampFormat)
	if err != nil {
		return nil, err
	}
	return NewFieldTransformer(c.OnlyFields, c.ExceptFields, format)
}
