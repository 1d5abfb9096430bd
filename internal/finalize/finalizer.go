// Package finalize implements delivery obligations: finalizer handles
// attached to events, their merging into per-request collections, and
// the fan-in that turns resolved finalizers into a producer's
// BatchStatus.
package finalize

import "sync/atomic"

// Finalizer is a single delivery obligation owed to a producer.
type Finalizer struct {
	notifier *BatchNotifier
	resolved atomic.Bool
}

// Resolve records the terminal status for this obligation. Resolving the
// same finalizer twice is a programming error and panics.
func (f *Finalizer) Resolve(status EventStatus) {
	if !f.resolved.CompareAndSwap(false, true) {
		panic("finalize: finalizer resolved twice")
	}
	if f.notifier != nil {
		f.notifier.record(status)
	}
}

// Resolved reports whether Resolve has been called.
func (f *Finalizer) Resolved() bool { return f.resolved.Load() }

// Finalizers is an unordered collection of obligations with a single
// owner. Merging moves handles; it never copies them.
type Finalizers []*Finalizer

// Merge moves every handle of other into fs and returns the result.
func (fs Finalizers) Merge(other Finalizers) Finalizers {
	return append(fs, other...)
}

// Len returns the number of outstanding obligations.
func (fs Finalizers) Len() int { return len(fs) }

// Resolve marks every finalizer in fs with status. A request is the unit
// submitted for delivery, so all of its finalizers share one status.
func Resolve(fs Finalizers, status EventStatus) {
	for _, f := range fs {
		if f != nil {
			f.Resolve(status)
		}
	}
}
