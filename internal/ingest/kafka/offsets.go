package kafka

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

// offsetTracker orders acknowledgements per partition so an offset is
// only committed once every earlier record of its partition finished.
type offsetTracker struct {
	mu      sync.Mutex
	parts   map[topicPartition]*partitionOffsets
	pending int
}

type partitionOffsets struct {
	order   []*kgo.Record
	done    map[int64]bool
	blocked bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: map[topicPartition]*partitionOffsets{}}
}

func (t *offsetTracker) add(rec *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := topicPartition{rec.Topic, rec.Partition}
	p, ok := t.parts[key]
	if !ok {
		p = &partitionOffsets{done: map[int64]bool{}}
		t.parts[key] = p
	}
	p.order = append(p.order, rec)
	t.pending++
}

// complete marks rec finished and returns the newest record that is now
// safe to commit, or nil.
func (t *offsetTracker) complete(rec *kgo.Record) *kgo.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[topicPartition{rec.Topic, rec.Partition}]
	if !ok {
		return nil
	}
	t.pending--
	p.done[rec.Offset] = true
	if p.blocked {
		return nil
	}
	var last *kgo.Record
	for len(p.order) > 0 && p.done[p.order[0].Offset] {
		last = p.order[0]
		delete(p.done, last.Offset)
		p.order = p.order[1:]
	}
	return last
}

// block finishes rec without committing it. Nothing at or after rec in
// its partition is committed afterwards, so it is consumed again by the
// next member of the group.
func (t *offsetTracker) block(rec *kgo.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[topicPartition{rec.Topic, rec.Partition}]
	if !ok {
		return
	}
	t.pending--
	p.done[rec.Offset] = true
	p.blocked = true
}

// forget drops state for revoked partitions.
func (t *offsetTracker) forget(revoked map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, partitions := range revoked {
		for _, partition := range partitions {
			key := topicPartition{topic, partition}
			if p, ok := t.parts[key]; ok {
				t.pending -= len(p.order) - len(p.done)
				delete(t.parts, key)
			}
		}
	}
}

func (t *offsetTracker) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}
