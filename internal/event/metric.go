package event

import (
	"strings"
	"time"
)

type MetricKind uint8

const (
	MetricCounter MetricKind = iota + 1
	MetricGauge
)

func (k MetricKind) String() string {
	switch k {
	case MetricCounter:
		return "counter"
	case MetricGauge:
		return "gauge"
	default:
		return "unknown"
	}
}

type Metric struct {
	Name      string
	Namespace string
	Tags      map[string]string
	Kind      MetricKind
	Value     float64
	Timestamp time.Time
}

// NewMetric builds a metric event.
func NewMetric(m Metric) Event {
	return Event{Metric: &m}
}

func (m *Metric) get(path string) (any, bool) {
	switch path {
	case "name":
		return m.Name, true
	case "namespace":
		if m.Namespace == "" {
			return nil, false
		}
		return m.Namespace, true
	case "kind":
		return m.Kind.String(), true
	case "value":
		return m.Value, true
	}
	if tag, ok := strings.CutPrefix(path, "tags."); ok {
		v, found := m.Tags[tag]
		if !found {
			return nil, false
		}
		return v, true
	}
	return nil, false
}
