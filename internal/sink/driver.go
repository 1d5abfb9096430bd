// Package sink runs the delivery pipeline for one destination: events
// are partitioned, batched, built into requests, delivered and finalized.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"chroniclesink/internal/batch"
	"chroniclesink/internal/clock"
	"chroniclesink/internal/delivery"
	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
	"chroniclesink/internal/partition"
	"chroniclesink/internal/request"
	"chroniclesink/internal/storage"
)

const deadLetterTimeout = 5 * time.Second

// DeadLetterRecorder receives requests the destination rejected.
type DeadLetterRecorder interface {
	Record(ctx context.Context, dl storage.DeadLetter) error
}

// Components is everything a destination supplies to build a driver.
type Components struct {
	Name        string
	Partitioner partition.Partitioner
	Batch       batch.Settings
	Builder     request.Builder
	Transport   delivery.Transport
	RetryLogic  delivery.RetryLogic
	Request     delivery.Settings
	// RequestDefaults fills zero fields of Request before package
	// defaults apply.
	RequestDefaults delivery.Settings
}

type Driver struct {
	name        string
	partitioner partition.Partitioner
	batcher     *batch.Batcher
	builder     request.Builder
	service     *delivery.Service
	transport   delivery.Transport
	deadLetters DeadLetterRecorder
	stats       *Stats
	clock       clock.Clock
	logger      *slog.Logger
}

func NewDriver(c Components, bc BuildContext) (*Driver, error) {
	if c.Partitioner == nil {
		return nil, errors.New("sink: partitioner is required")
	}
	if c.Builder.Encoder == nil {
		return nil, errors.New("sink: request encoder is required")
	}
	if err := c.Batch.Validate(); err != nil {
		return nil, err
	}
	bc = bc.withDefaults()
	logger := bc.Logger.With("component", "sink", "sink", c.Name)

	settings := c.Request.WithDefaults(c.RequestDefaults)
	svc, err := delivery.NewService(c.Transport, c.RetryLogic, settings, bc.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", c.Name, err)
	}
	d := &Driver{
		name:        c.Name,
		partitioner: c.Partitioner,
		batcher:     batch.New(c.Batch, bc.Clock),
		builder:     c.Builder,
		service:     svc,
		transport:   c.Transport,
		deadLetters: bc.DeadLetters,
		stats:       &Stats{},
		clock:       bc.Clock,
		logger:      logger,
	}
	d.stats.inFlight = svc.InFlight
	return d, nil
}

func (d *Driver) Name() string  { return d.name }
func (d *Driver) Stats() *Stats { return d.stats }

// Run consumes events until the channel is closed or ctx is done, then
// flushes open batches, waits for every in-flight request and closes
// the transport if it is an io.Closer. Requests already handed to
// delivery are not cancelled by ctx. Events still buffered in the
// channel when ctx ends are resolved Errored.
func (d *Driver) Run(ctx context.Context, events <-chan event.Event) error {
	items := make(chan batch.Item)
	batches := make(chan batch.Batch)
	go d.batcher.Run(items, batches)
	go d.intake(ctx, events, items)

	deliveryCtx := context.WithoutCancel(ctx)
	for b := range batches {
		d.dispatch(deliveryCtx, b)
	}
	d.service.Wait()
	d.logger.Info("sink drained", "stats", d.stats.Snapshot())
	if closer, ok := d.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("sink %s: close transport: %w", d.name, err)
		}
	}
	return nil
}

func (d *Driver) intake(ctx context.Context, events <-chan event.Event, items chan<- batch.Item) {
	defer close(items)
	for {
		select {
		case <-ctx.Done():
			d.abandon(events)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			d.stats.eventsReceived.Add(1)
			key, err := d.partitioner.Partition(e)
			if err != nil {
				d.stats.eventsUnpartitioned.Add(1)
				d.logger.Warn("dropping event without partition key", "error", err)
				finalize.Resolve(e.TakeFinalizers(), finalize.StatusRejected)
				continue
			}
			select {
			case items <- batch.Item{Key: key, Event: e}:
			case <-ctx.Done():
				d.resolveErrored(e)
				d.abandon(events)
				return
			}
		}
	}
}

// abandon resolves every event already buffered in events as Errored.
func (d *Driver) abandon(events <-chan event.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			d.stats.eventsReceived.Add(1)
			d.resolveErrored(e)
		default:
			return
		}
	}
}

func (d *Driver) resolveErrored(e event.Event) {
	d.stats.eventsErrored.Add(1)
	finalize.Resolve(e.TakeFinalizers(), finalize.StatusErrored)
}

func (d *Driver) dispatch(ctx context.Context, b batch.Batch) {
	total := len(b.Events)
	req, err := d.builder.Build(b)
	if err != nil {
		d.stats.eventsDropped.Add(int64(total))
		d.logger.Error("failed to build request", "key", b.Key, "events", total, "error", err)
		return
	}
	d.stats.eventsDropped.Add(int64(req.Metadata.DroppedCount))
	if req.Metadata.DroppedCount > 0 {
		d.logger.Warn("dropped events that failed to encode", "key", req.Key, "dropped", req.Metadata.DroppedCount)
	}
	if req.Metadata.EventCount == 0 {
		return
	}
	if err := d.service.Submit(ctx, req, d.finish); err != nil {
		d.finish(req, delivery.Result{Outcome: delivery.Rejected, Err: err})
	}
}

// StatusFor maps a terminal delivery result to the status every
// finalizer of the request receives.
func StatusFor(res delivery.Result) finalize.EventStatus {
	switch {
	case res.Outcome == delivery.Delivered:
		return finalize.StatusDelivered
	case errors.Is(res.Err, context.Canceled):
		return finalize.StatusErrored
	default:
		return finalize.StatusRejected
	}
}

func (d *Driver) finish(req *request.Request, res delivery.Result) {
	status := StatusFor(res)
	fs := req.TakeFinalizers()
	finalize.Resolve(fs, status)

	d.stats.attempts.Add(int64(res.Attempts))
	n := int64(req.Metadata.EventCount)
	switch status {
	case finalize.StatusDelivered:
		d.stats.requestsDelivered.Add(1)
		d.stats.eventsDelivered.Add(n)
		d.stats.bytesSent.Add(int64(req.Metadata.RequestSize))
		d.logger.Debug("request delivered",
			"request_id", req.ID, "key", req.Key, "events", n,
			"bytes", req.Metadata.RequestSize, "attempts", res.Attempts)
		return
	case finalize.StatusErrored:
		d.stats.requestsFailed.Add(1)
		d.stats.eventsErrored.Add(n)
	default:
		d.stats.requestsRejected.Add(1)
		d.stats.eventsRejected.Add(n)
	}
	d.logger.Warn("request not delivered",
		"request_id", req.ID, "key", req.Key, "events", n, "status", status.String(),
		"http_status", res.Response.StatusCode, "attempts", res.Attempts, "error", res.Err)
	d.recordDeadLetter(req, res)
}

func (d *Driver) recordDeadLetter(req *request.Request, res delivery.Result) {
	if d.deadLetters == nil {
		return
	}
	reason := "rejected"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	err := d.deadLetters.Record(ctx, storage.DeadLetter{
		RequestID:       req.ID,
		Sink:            d.name,
		Key:             req.Key,
		EventCount:      req.Metadata.EventCount,
		Payload:         req.Payload,
		ContentEncoding: req.ContentEncoding,
		Reason:          reason,
		StatusCode:      res.Response.StatusCode,
		Attempts:        res.Attempts,
		CreatedAt:       d.clock.Now().UTC(),
	})
	if err != nil {
		d.logger.Error("failed to record dead letter", "request_id", req.ID, "error", err)
	}
}
