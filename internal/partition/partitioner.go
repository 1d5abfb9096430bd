package partition

import "chroniclesink/internal/event"

// Partitioner maps an event to the key that decides which batch it may
// join. Implementations must be pure.
type Partitioner interface {
	Partition(event.Event) (string, error)
}

// KeyPartitioner renders a template against each event.
type KeyPartitioner struct {
	tmpl *Template
}

func NewKeyPartitioner(tmpl *Template) *KeyPartitioner {
	return &KeyPartitioner{tmpl: tmpl}
}

// Partition returns the rendered key, or a *MissingFieldsError when the
// event lacks a referenced field.
func (p *KeyPartitioner) Partition(e event.Event) (string, error) {
	return p.tmpl.Render(e)
}
