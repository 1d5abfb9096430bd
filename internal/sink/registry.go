package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chroniclesink/internal/clock"
)

// Healthcheck is a one-shot probe of the destination, run before the
// sink accepts events.
type Healthcheck func(ctx context.Context) error

// BuildContext carries what every factory needs besides its own
// configuration.
type BuildContext struct {
	// Decode unmarshals the sink's configuration section into target.
	Decode      func(target any) error
	Clock       clock.Clock
	Logger      *slog.Logger
	DeadLetters DeadLetterRecorder
}

func (bc BuildContext) withDefaults() BuildContext {
	if bc.Clock == nil {
		bc.Clock = clock.Real()
	}
	if bc.Logger == nil {
		bc.Logger = slog.Default()
	}
	return bc
}

// Factory builds a driver and its healthcheck from configuration.
// Configuration errors are returned before anything is started.
type Factory func(ctx context.Context, bc BuildContext) (*Driver, Healthcheck, error)

// Registry maps sink kinds to factories. It is assembled explicitly at
// process start.
type Registry map[string]Factory

func (r Registry) Build(ctx context.Context, kind string, bc BuildContext) (*Driver, Healthcheck, error) {
	f, ok := r[kind]
	if !ok {
		return nil, nil, fmt.Errorf("unknown sink type %q (known: %v)", kind, r.Kinds())
	}
	if bc.Decode == nil {
		return nil, nil, fmt.Errorf("sink %s: no configuration decoder", kind)
	}
	return f(ctx, bc.withDefaults())
}

// Kinds returns the registered kinds in sorted order.
func (r Registry) Kinds() []string {
	kinds := make([]string, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// RunHealthcheck runs hc with a timeout. A nil healthcheck passes.
func RunHealthcheck(ctx context.Context, hc Healthcheck, timeout time.Duration) error {
	if hc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := hc(ctx); err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	return nil
}
