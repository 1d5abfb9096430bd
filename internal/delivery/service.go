// Package delivery sends requests through a transport with a bounded
// number in flight, a request rate limit, and classified retries with
// exponential backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chroniclesink/internal/clock"
	"chroniclesink/internal/request"
)

var (
	ErrRetriesExhausted     = errors.New("delivery: retry attempts exhausted")
	ErrRetryWindowExhausted = errors.New("delivery: retry duration exhausted")
)

type attemptState uint8

const (
	statePending attemptState = iota
	stateInFlight
	stateAwaitingRetry
	stateTerminal
)

func (s attemptState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateInFlight:
		return "in_flight"
	case stateAwaitingRetry:
		return "awaiting_retry_delay"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// attempt is the retry state of one request.
type attempt struct {
	state   attemptState
	started time.Time
	delay   time.Duration
	result  Result
}

type Service struct {
	transport Transport
	logic     RetryLogic
	settings  Settings
	clock     clock.Clock
	logger    *slog.Logger

	slots   chan struct{}
	limiter *rate.Limiter
	jitter  func(time.Duration) time.Duration
	wg      sync.WaitGroup
}

// NewService builds a service. Zero settings take package defaults, a
// nil clock is the real clock and a nil logger is slog.Default.
func NewService(transport Transport, logic RetryLogic, settings Settings, clk clock.Clock, logger *slog.Logger) (*Service, error) {
	if transport == nil {
		return nil, errors.New("delivery: transport is required")
	}
	if logic == nil {
		return nil, errors.New("delivery: retry logic is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.WithDefaults(Defaults())
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	every := settings.RateLimitDuration / time.Duration(settings.RateLimitNum)
	return &Service{
		transport: transport,
		logic:     logic,
		settings:  settings,
		clock:     clk,
		logger:    logger.With("component", "delivery"),
		slots:     make(chan struct{}, settings.Concurrency),
		limiter:   rate.NewLimiter(rate.Every(every), settings.RateLimitNum),
		jitter:    fullJitter,
	}, nil
}

func (s *Service) Settings() Settings { return s.settings }

// InFlight reports the number of requests holding a concurrency slot.
func (s *Service) InFlight() int { return len(s.slots) }

// Call delivers req and blocks until it reaches a terminal outcome.
func (s *Service) Call(ctx context.Context, req *request.Request) Result {
	if err := s.acquire(ctx); err != nil {
		return Result{Outcome: Rejected, Err: err}
	}
	defer s.release()
	return s.run(ctx, req)
}

// Submit blocks until a concurrency slot is free, then delivers req in
// the background and passes the result to done. The returned error is
// non-nil only when ctx ends before a slot is acquired; done is not
// called in that case.
func (s *Service) Submit(ctx context.Context, req *request.Request, done func(*request.Request, Result)) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		done(req, s.run(ctx, req))
	}()
	return nil
}

// Wait blocks until every submitted request has finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() { <-s.slots }

// run drives the attempt state machine. The caller holds a slot for the
// whole call, retries included.
func (s *Service) run(ctx context.Context, req *request.Request) Result {
	a := attempt{state: statePending, started: s.clock.Now()}
	for a.state != stateTerminal {
		switch a.state {
		case statePending:
			if err := s.waitRate(ctx); err != nil {
				a.terminate(Rejected, err)
				continue
			}
			a.state = stateInFlight

		case stateInFlight:
			resp, err := s.send(ctx, req)
			a.result.Attempts++
			a.result.Response = resp
			a.result.Err = err
			s.advance(&a, s.logic.Classify(resp, err), req)

		case stateAwaitingRetry:
			select {
			case <-s.clock.After(a.delay):
				a.state = statePending
			case <-ctx.Done():
				a.terminate(Rejected, ctx.Err())
			}
		}
	}
	return a.result
}

func (a *attempt) terminate(outcome Outcome, err error) {
	a.state = stateTerminal
	a.result.Outcome = outcome
	if err != nil {
		a.result.Err = err
	}
}

func (s *Service) advance(a *attempt, outcome Outcome, req *request.Request) {
	switch outcome {
	case Delivered:
		a.state = stateTerminal
		a.result.Outcome = Delivered
		a.result.Err = nil
		return
	case Retriable:
	default:
		a.terminate(Rejected, a.result.Err)
		return
	}

	if a.result.Attempts >= s.settings.RetryAttempts {
		a.terminate(Rejected, joinLast(ErrRetriesExhausted, a.result))
		return
	}
	delay := s.jitter(s.backoff(a.result.Attempts))
	if s.clock.Now().Sub(a.started)+delay > s.settings.RetryMaxDuration {
		a.terminate(Rejected, joinLast(ErrRetryWindowExhausted, a.result))
		return
	}
	s.logger.Warn("retrying request",
		"request_id", req.ID,
		"key", req.Key,
		"attempt", a.result.Attempts,
		"status", a.result.Response.StatusCode,
		"error", a.result.Err,
		"delay", delay,
	)
	a.delay = delay
	a.state = stateAwaitingRetry
}

func joinLast(ceiling error, r Result) error {
	if r.Err != nil {
		return fmt.Errorf("%w: %w", ceiling, r.Err)
	}
	if r.Response.StatusCode != 0 {
		return fmt.Errorf("%w: last status %d", ceiling, r.Response.StatusCode)
	}
	return ceiling
}

func (s *Service) send(ctx context.Context, req *request.Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	return s.transport.Send(ctx, req)
}

// waitRate takes one token from the limiter, sleeping on the service
// clock when none is available.
func (s *Service) waitRate(ctx context.Context) error {
	now := s.clock.Now()
	r := s.limiter.ReserveN(now, 1)
	if !r.OK() {
		return errors.New("delivery: rate limiter burst too small")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(s.clock.Now())
		return ctx.Err()
	}
}

// backoff is the un-jittered delay after the given number of attempts.
func (s *Service) backoff(attempts int) time.Duration {
	d := s.settings.RetryInitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.settings.RetryMaxBackoff {
			return s.settings.RetryMaxBackoff
		}
	}
	if d > s.settings.RetryMaxBackoff {
		return s.settings.RetryMaxBackoff
	}
	return d
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
