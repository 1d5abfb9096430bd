package finalize

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan BatchStatus) BatchStatus {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("batch status never delivered")
		return 0
	}
}

func TestBatchDeliveredWhenAllDelivered(t *testing.T) {
	n, ch := NewBatchNotifier()
	fs := Finalizers{n.NewFinalizer(), n.NewFinalizer(), n.NewFinalizer()}
	n.Seal()

	Resolve(fs[:2], StatusDelivered)
	select {
	case s := <-ch:
		t.Fatalf("status %v sent before last finalizer resolved", s)
	default:
	}
	Resolve(fs[2:], StatusDelivered)
	if got := receive(t, ch); got != BatchDelivered {
		t.Fatalf("status = %v", got)
	}
}

func TestBatchRejectedOnAnyFailure(t *testing.T) {
	n, ch := NewBatchNotifier()
	a, b := n.NewFinalizer(), n.NewFinalizer()
	n.Seal()
	a.Resolve(StatusRejected)
	b.Resolve(StatusDelivered)
	if got := receive(t, ch); got != BatchRejected {
		t.Fatalf("status = %v", got)
	}
}

func TestErroredCountsAsFailure(t *testing.T) {
	n, ch := NewBatchNotifier()
	f := n.NewFinalizer()
	n.Seal()
	f.Resolve(StatusErrored)
	if got := receive(t, ch); got != BatchRejected {
		t.Fatalf("status = %v", got)
	}
	if !n.Errored() {
		t.Fatal("expected notifier to report errored")
	}
}

func TestRejectedIsNotErrored(t *testing.T) {
	n, ch := NewBatchNotifier()
	delivered, rejected := n.NewFinalizer(), n.NewFinalizer()
	n.Seal()
	delivered.Resolve(StatusDelivered)
	rejected.Resolve(StatusRejected)
	if got := receive(t, ch); got != BatchRejected {
		t.Fatalf("status = %v", got)
	}
	if n.Errored() {
		t.Fatal("a destination rejection must not report errored")
	}
}

func TestBatchWaitsForSeal(t *testing.T) {
	n, ch := NewBatchNotifier()
	f := n.NewFinalizer()
	f.Resolve(StatusDelivered)
	select {
	case <-ch:
		t.Fatal("status sent before seal")
	default:
	}
	n.Seal()
	if got := receive(t, ch); got != BatchDelivered {
		t.Fatalf("status = %v", got)
	}
}

func TestEmptyBatchDelivered(t *testing.T) {
	n, ch := NewBatchNotifier()
	n.Seal()
	if got := receive(t, ch); got != BatchDelivered {
		t.Fatalf("status = %v", got)
	}
}

func TestDoubleResolvePanics(t *testing.T) {
	n, _ := NewBatchNotifier()
	f := n.NewFinalizer()
	n.Seal()
	f.Resolve(StatusDelivered)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second resolve")
		}
	}()
	f.Resolve(StatusDelivered)
}

func TestMergeAcrossRequests(t *testing.T) {
	n, ch := NewBatchNotifier()
	var first, second Finalizers
	for i := 0; i < 4; i++ {
		first = first.Merge(Finalizers{n.NewFinalizer()})
	}
	for i := 0; i < 3; i++ {
		second = second.Merge(Finalizers{n.NewFinalizer()})
	}
	n.Seal()
	if first.Len() != 4 || second.Len() != 3 {
		t.Fatalf("lens = %d %d", first.Len(), second.Len())
	}
	Resolve(first, StatusDelivered)
	Resolve(second, StatusRejected)
	if got := receive(t, ch); got != BatchRejected {
		t.Fatalf("status = %v", got)
	}
}

func TestConcurrentResolution(t *testing.T) {
	n, ch := NewBatchNotifier()
	const count = 500
	fs := make(Finalizers, 0, count)
	for i := 0; i < count; i++ {
		fs = append(fs, n.NewFinalizer())
	}
	n.Seal()
	var wg sync.WaitGroup
	for _, f := range fs {
		wg.Add(1)
		go func(f *Finalizer) {
			defer wg.Done()
			f.Resolve(StatusDelivered)
		}(f)
	}
	wg.Wait()
	if got := receive(t, ch); got != BatchDelivered {
		t.Fatalf("status = %v", got)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after the single status")
	}
}

func TestDetachedFinalizer(t *testing.T) {
	f := &Finalizer{}
	f.Resolve(StatusRejected)
	if !f.Resolved() {
		t.Fatal("expected resolved")
	}
}
