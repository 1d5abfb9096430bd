package codec

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"chroniclesink/internal/event"
)

// JSONEncoder writes logs as a JSON object of their fields and metrics
// as a fixed object. Map keys are sorted.
type JSONEncoder struct{}

type jsonMetric struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Kind      string            `json:"kind"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

func (JSONEncoder) Encode(e event.Event) ([]byte, error) {
	var v any
	switch {
	case e.Log != nil:
		v = e.Log.Fields
	case e.Metric != nil:
		v = metricDocument(e.Metric)
	default:
		return nil, fmt.Errorf("json: %w", ErrUnsupportedEvent)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return out, nil
}

func metricDocument(m *event.Metric) jsonMetric {
	doc := jsonMetric{
		Name:      m.Name,
		Namespace: m.Namespace,
		Kind:      m.Kind.String(),
		Value:     m.Value,
		Tags:      m.Tags,
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp.UTC()
		doc.Timestamp = &ts
	}
	return doc
}
