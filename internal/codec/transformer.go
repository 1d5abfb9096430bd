package codec

import (
	"fmt"
	"time"

	"chroniclesink/internal/event"
)

// Transformer mutates an event in place before it is encoded.
type Transformer interface {
	Transform(e *event.Event)
}

type TimestampFormat uint8

const (
	TimestampRFC3339 TimestampFormat = iota
	TimestampUnix
)

func ParseTimestampFormat(s string) (TimestampFormat, error) {
	switch s {
	case "", "rfc3339":
		return TimestampRFC3339, nil
	case "unix":
		return TimestampUnix, nil
	default:
		return 0, fmt.Errorf("encoding.timestamp_format %q is not one of rfc3339, unix", s)
	}
}

// FieldTransformer restricts and rewrites log fields. Metrics pass
// through unchanged.
type FieldTransformer struct {
	onlyFields      []string
	exceptFields    []string
	timestampFormat TimestampFormat
}

func NewFieldTransformer(only, except []string, format TimestampFormat) (*FieldTransformer, error) {
	if len(only) > 0 {
		keep := make(map[string]struct{}, len(only))
		for _, f := range only {
			keep[f] = struct{}{}
		}
		for _, f := range except {
			if _, ok := keep[f]; ok {
				return nil, fmt.Errorf("encoding: field %q is in both only_fields and except_fields", f)
			}
		}
	}
	return &FieldTransformer{onlyFields: only, exceptFields: except, timestampFormat: format}, nil
}

func (t *FieldTransformer) Transform(e *event.Event) {
	if e.Log == nil {
		return
	}
	if len(t.onlyFields) > 0 {
		kept := event.NewLog(nil)
		for _, path := range t.onlyFields {
			if v, ok := e.Get(path); ok {
				kept.Insert(path, v)
			}
		}
		e.Log.Fields = kept.Log.Fields
	}
	for _, path := range t.exceptFields {
		e.Remove(path)
	}
	if t.timestampFormat == TimestampUnix {
		unixTimes(e.Log.Fields)
	}
}

func unixTimes(fields map[string]any) {
	for k, v := range fields {
		switch val := v.(type) {
		case time.Time:
			fields[k] = val.Unix()
		case map[string]any:
			unixTimes(val)
		}
	}
}
