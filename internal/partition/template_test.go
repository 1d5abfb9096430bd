package partition

import (
	"errors"
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"chroniclesink/internal/event"
)

func TestRenderSubstitutesFields(t *testing.T) {
	tmpl := MustParseTemplate("{{ service }}-{{level}}-logs")
	e := event.NewLog(map[string]any{"service": "api", "level": "warn"})
	got, err := tmpl.Render(e)
	if err != nil {
		t.Fatal(err)
	}
	if got != "api-warn-logs" {
		t.Fatalf("render = %q", got)
	}
}

func TestRenderConstantTemplate(t *testing.T) {
	tmpl := MustParseTemplate("WINDOWS_DNS")
	if tmpl.IsDynamic() {
		t.Fatal("constant template reported dynamic")
	}
	got, err := tmpl.Render(event.NewLog(nil))
	if err != nil || got != "WINDOWS_DNS" {
		t.Fatalf("render = %q %v", got, err)
	}
}

func TestRenderMissingFields(t *testing.T) {
	tmpl := MustParseTemplate("{{ a }}/{{ b }}/{{ c }}")
	_, err := tmpl.Render(event.NewLog(map[string]any{"b": "x"}))
	var missing *MissingFieldsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFieldsError, got %v", err)
	}
	if len(missing.Fields) != 2 || missing.Fields[0] != "a" || missing.Fields[1] != "c" {
		t.Fatalf("missing = %v", missing.Fields)
	}
}

func TestRenderNullFieldIsMissing(t *testing.T) {
	tmpl := MustParseTemplate("{{ a }}")
	if _, err := tmpl.Render(event.NewLog(map[string]any{"a": nil})); err == nil {
		t.Fatal("expected missing error for null field")
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := ParseTemplate("{{ level"); !errors.Is(err, ErrUnterminatedPlaceholder) {
		t.Fatalf("unterminated: %v", err)
	}
	if _, err := ParseTemplate("x-{{  }}"); !errors.Is(err, ErrEmptyPlaceholder) {
		t.Fatalf("empty: %v", err)
	}
}

func TestFields(t *testing.T) {
	tmpl := MustParseTemplate("{{ a.b }}:{{ c }}")
	f := tmpl.Fields()
	if len(f) != 2 || f[0] != "a.b" || f[1] != "c" {
		t.Fatalf("fields = %v", f)
	}
}

func TestPartitionDeterministicProperty(t *testing.T) {
	p := NewKeyPartitioner(MustParseTemplate("{{ level }}.{{ host }}"))
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(level, host, noise string) bool {
		a := event.NewLog(map[string]any{"level": level, "host": host, "message": noise})
		b := event.NewLog(map[string]any{"level": level, "host": host, "message": noise + "!"})
		k1, err1 := p.Partition(a)
		k2, err2 := p.Partition(a)
		k3, err3 := p.Partition(b)
		return err1 == nil && err2 == nil && err3 == nil && k1 == k2 && k1 == k3
	}, cfg); err != nil {
		t.Fatalf("partition determinism failed: %v", err)
	}
}

func TestPartitionMetric(t *testing.T) {
	p := NewKeyPartitioner(MustParseTemplate("{{ tags.env }}"))
	key, err := p.Partition(event.NewMetric(event.Metric{Name: "m", Tags: map[string]string{"env": "prod"}}))
	if err != nil || key != "prod" {
		t.Fatalf("key = %q %v", key, err)
	}
}
