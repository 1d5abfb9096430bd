package event

import (
	"fmt"
	"strconv"
	"time"
)

// Per-value overhead used by SizeOf, roughly the JSON punctuation around
// a value.
const valueOverhead = 2

// SizeOf estimates the in-memory footprint of the event in bytes. The
// batcher uses it to enforce max_bytes before encoding.
func (e Event) SizeOf() int {
	switch {
	case e.Log != nil:
		return sizeOf(e.Log.Fields)
	case e.Metric != nil:
		n := len(e.Metric.Name) + len(e.Metric.Namespace) + 8 + 24
		for k, v := range e.Metric.Tags {
			n += len(k) + len(v) + valueOverhead
		}
		return n
	}
	return 0
}

func sizeOf(v any) int {
	switch val := v.(type) {
	case nil:
		return 4
	case string:
		return len(val) + valueOverhead
	case []byte:
		return len(val) + valueOverhead
	case bool:
		return 5
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return 8
	case time.Time:
		return len(time.RFC3339Nano) + valueOverhead
	case map[string]any:
		n := valueOverhead
		for k, item := range val {
			n += len(k) + valueOverhead + sizeOf(item)
		}
		return n
	case []any:
		n := valueOverhead
		for _, item := range val {
			n += sizeOf(item) + 1
		}
		return n
	default:
		return len(fmt.Sprint(val)) + valueOverhead
	}
}

// ValueString renders a field value the way templates and text
// encoders display it.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}
