// Package partition derives the partition key of an event by rendering
// a field template such as "{{ kubernetes.namespace }}-{{ level }}".
package partition

import (
	"errors"
	"fmt"
	"strings"

	"chroniclesink/internal/event"
)

var (
	ErrUnterminatedPlaceholder = errors.New("template: unterminated {{ placeholder")
	ErrEmptyPlaceholder        = errors.New("template: empty {{ }} placeholder")
)

// MissingFieldsError lists the template fields absent from an event.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("template: missing fields %s", strings.Join(e.Fields, ", "))
}

type segment struct {
	literal string
	field   string
}

// Template is a parsed key template. It is immutable and safe for
// concurrent use.
type Template struct {
	src      string
	segments []segment
}

// ParseTemplate parses src. Literal text is copied as is; each
// {{ path }} is replaced with the event's value at path.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	for rest != "" {
		open := strings.Index(rest, "{{")
		if open < 0 {
			t.segments = append(t.segments, segment{literal: rest})
			break
		}
		if open > 0 {
			t.segments = append(t.segments, segment{literal: rest[:open]})
		}
		closeIdx := strings.Index(rest[open+2:], "}}")
		if closeIdx < 0 {
			return nil, fmt.Errorf("%w in %q", ErrUnterminatedPlaceholder, src)
		}
		field := strings.TrimSpace(rest[open+2 : open+2+closeIdx])
		if field == "" {
			return nil, fmt.Errorf("%w in %q", ErrEmptyPlaceholder, src)
		}
		t.segments = append(t.segments, segment{field: field})
		rest = rest[open+2+closeIdx+2:]
	}
	return t, nil
}

// MustParseTemplate is ParseTemplate for constant templates in tests and
// defaults.
func MustParseTemplate(src string) *Template {
	t, err := ParseTemplate(src)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) String() string { return t.src }

// IsDynamic reports whether the template references any event field.
func (t *Template) IsDynamic() bool {
	for _, s := range t.segments {
		if s.field != "" {
			return true
		}
	}
	return false
}

// Fields returns the referenced field paths in template order.
func (t *Template) Fields() []string {
	var out []string
	for _, s := range t.segments {
		if s.field != "" {
			out = append(out, s.field)
		}
	}
	return out
}

// Render substitutes event fields into the template. Every missing
// field is reported in a single *MissingFieldsError.
func (t *Template) Render(e event.Event) (string, error) {
	var b strings.Builder
	var missing []string
	for _, s := range t.segments {
		if s.field == "" {
			b.WriteString(s.literal)
			continue
		}
		v, ok := e.Get(s.field)
		if !ok || v == nil {
			missing = append(missing, s.field)
			continue
		}
		b.WriteString(event.ValueString(v))
	}
	if len(missing) > 0 {
		return "", &MissingFieldsError{Fields: missing}
	}
	return b.String(), nil
}
