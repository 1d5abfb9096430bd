package finalize

import (
	"sync/atomic"
)

// BatchNotifier tracks every finalizer handed out for one producer-side
// batch and reports a single BatchStatus when the last one resolves.
//
// The notifier holds one pending reference of its own from creation
// until Seal, so a batch cannot complete while the producer is still
// attaching finalizers to events.
type BatchNotifier struct {
	pending atomic.Int64
	failed  atomic.Bool
	errored atomic.Bool
	sealed  atomic.Bool
	ch      chan BatchStatus
}

// NewBatchNotifier returns a notifier and the channel that receives its
// status exactly once.
func NewBatchNotifier() (*BatchNotifier, <-chan BatchStatus) {
	n := &BatchNotifier{ch: make(chan BatchStatus, 1)}
	n.pending.Store(1)
	return n, n.ch
}

// NewFinalizer returns a finalizer bound to this batch.
func (n *BatchNotifier) NewFinalizer() *Finalizer {
	if n.sealed.Load() {
		panic("finalize: NewFinalizer called on sealed batch notifier")
	}
	n.pending.Add(1)
	return &Finalizer{notifier: n}
}

// Seal releases the producer's own reference. After Seal the status is
// sent as soon as every finalizer has been resolved; an empty batch
// completes immediately as delivered.
func (n *BatchNotifier) Seal() {
	if !n.sealed.CompareAndSwap(false, true) {
		panic("finalize: batch notifier sealed twice")
	}
	n.release()
}

// Errored reports whether any finalizer of the batch resolved Errored,
// meaning delivery was never attempted for it. It is meaningful once
// the status has been received.
func (n *BatchNotifier) Errored() bool { return n.errored.Load() }

func (n *BatchNotifier) record(status EventStatus) {
	if status == StatusErrored {
		n.errored.Store(true)
	}
	if status != StatusDelivered {
		n.failed.Store(true)
	}
	n.release()
}

func (n *BatchNotifier) release() {
	if n.pending.Add(-1) != 0 {
		return
	}
	if n.failed.Load() {
		n.ch <- BatchRejected
	} else {
		n.ch <- BatchDelivered
	}
	close(n.ch)
}
