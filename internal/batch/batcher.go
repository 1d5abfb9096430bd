// Package batch groups partitioned events into bounded batches. Each
// partition key has at most one open batch, closed by size, count or a
// linger timer started by the batch's first event.
package batch

import (
	"errors"
	"sort"
	"time"

	"chroniclesink/internal/clock"
	"chroniclesink/internal/event"
)

// Defaults for bulk, size-based destinations.
const (
	DefaultMaxBytes  = 10_000_000
	DefaultMaxEvents = 1000
	DefaultTimeout   = time.Second
)

type Settings struct {
	MaxBytes  int           `mapstructure:"max_bytes"`
	MaxEvents int           `mapstructure:"max_events"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func (s *Settings) withDefaults() {
	if s.MaxBytes <= 0 {
		s.MaxBytes = DefaultMaxBytes
	}
	if s.MaxEvents <= 0 {
		s.MaxEvents = DefaultMaxEvents
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
}

func (s Settings) Validate() error {
	if s.MaxBytes < 0 {
		return errors.New("batch.max_bytes must be >= 0")
	}
	if s.MaxEvents < 0 {
		return errors.New("batch.max_events must be >= 0")
	}
	if s.Timeout < 0 {
		return errors.New("batch.timeout must be >= 0")
	}
	return nil
}

// Item is an event tagged with its partition key.
type Item struct {
	Key   string
	Event event.Event
}

// Batch is a closed, ordered group of events sharing one key.
type Batch struct {
	Key       string
	Events    []event.Event
	Size      int
	CreatedAt time.Time
}

type openBatch struct {
	Batch
	deadline time.Time
}

type Batcher struct {
	settings Settings
	clock    clock.Clock
}

func New(settings Settings, clk clock.Clock) *Batcher {
	settings.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Batcher{settings: settings, clock: clk}
}

func (b *Batcher) Settings() Settings { return b.settings }

// Run consumes items until in is closed, emitting closed batches on out
// in the order their triggers fire. When in closes every open batch is
// flushed and out is closed.
func (b *Batcher) Run(in <-chan Item, out chan<- Batch) {
	defer close(out)

	open := make(map[string]*openBatch)
	timer := b.clock.NewTimer(b.settings.Timeout)
	timer.Stop()
	var armed time.Time

	emit := func(key string) {
		ob := open[key]
		delete(open, key)
		out <- ob.Batch
	}

	rearm := func() {
		var earliest time.Time
		for _, ob := range open {
			if earliest.IsZero() || ob.deadline.Before(earliest) {
				earliest = ob.deadline
			}
		}
		if earliest.IsZero() {
			timer.Stop()
			armed = time.Time{}
			return
		}
		if earliest.Equal(armed) {
			return
		}
		timer.Reset(earliest.Sub(b.clock.Now()))
		armed = earliest
	}

	for {
		select {
		case item, ok := <-in:
			if !ok {
				b.flushAll(open, out)
				timer.Stop()
				return
			}
			b.add(open, item, emit)
			rearm()

		case <-timer.C:
			armed = time.Time{}
			now := b.clock.Now()
			var expired []*openBatch
			for _, ob := range open {
				if !ob.deadline.After(now) {
					expired = append(expired, ob)
				}
			}
			sort.Slice(expired, func(i, j int) bool { return expired[i].deadline.Before(expired[j].deadline) })
			for _, ob := range expired {
				emit(ob.Key)
			}
			rearm()
		}
	}
}

func (b *Batcher) add(open map[string]*openBatch, item Item, emit func(string)) {
	size := item.Event.SizeOf()
	ob := open[item.Key]
	if ob != nil && ob.Size+size > b.settings.MaxBytes {
		emit(item.Key)
		ob = nil
	}
	if ob == nil {
		now := b.clock.Now()
		ob = &openBatch{
			Batch:    Batch{Key: item.Key, CreatedAt: now},
			deadline: now.Add(b.settings.Timeout),
		}
		open[item.Key] = ob
	}
	ob.Events = append(ob.Events, item.Event)
	ob.Size += size
	if len(ob.Events) >= b.settings.MaxEvents || ob.Size >= b.settings.MaxBytes {
		emit(item.Key)
	}
}

func (b *Batcher) flushAll(open map[string]*openBatch, out chan<- Batch) {
	pending := make([]*openBatch, 0, len(open))
	for _, ob := range open {
		pending = append(pending, ob)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].deadline.Before(pending[j].deadline) })
	for _, ob := range pending {
		delete(open, ob.Key)
		out <- ob.Batch
	}
}
