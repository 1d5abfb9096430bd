package chronicle

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"chroniclesink/internal/codec"
	"chroniclesink/internal/event"
)

type entry struct {
	LogText   string `json:"log_text"`
	Timestamp string `json:"ts_rfc3339,omitempty"`
}

type body struct {
	CustomerID string  `json:"customer_id"`
	LogType    string  `json:"log_type"`
	Entries    []entry `json:"entries"`
}

// Encoder builds one batchCreate body per batch. Each event becomes an
// entry whose log_text is the configured codec's output; events the
// codec rejects are dropped.
type Encoder struct {
	CustomerID  string
	Transformer codec.Transformer
	Codec       codec.Encoder
}

func (e Encoder) EncodeBatch(key string, events []event.Event) ([]byte, []int, error) {
	b := body{CustomerID: e.CustomerID, LogType: key, Entries: make([]entry, 0, len(events))}
	var dropped []int
	for i := range events {
		ev := events[i]
		var en entry
		if ts, ok := ev.Timestamp(); ok && ev.Log != nil {
			en.Timestamp = FormatTimestamp(ts)
		}
		if e.Transformer != nil {
			e.Transformer.Transform(&ev)
		}
		text, err := e.Codec.Encode(ev)
		if err != nil {
			dropped = append(dropped, i)
			continue
		}
		en.LogText = strings.ToValidUTF8(string(text), "�")
		b.Entries = append(b.Entries, en)
	}
	out, err := json.Marshal(b)
	if err != nil {
		return nil, nil, fmt.Errorf("chronicle body: %w", err)
	}
	return out, dropped, nil
}

// FormatTimestamp renders t in UTC as RFC 3339 with 0, 3, 6 or 9
// fractional digits, whichever is the shortest exact form.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	ns := t.Nanosecond()
	switch {
	case ns == 0:
		return t.Format("2006-01-02T15:04:05Z")
	case ns%1_000_000 == 0:
		return t.Format("2006-01-02T15:04:05.000Z")
	case ns%1_000 == 0:
		return t.Format("2006-01-02T15:04:05.000000Z")
	default:
		return t.Format("2006-01-02T15:04:05.000000000Z")
	}
}
