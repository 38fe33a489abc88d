// Package emit publishes completed visits to every configured sink.
//
// Emission succeeds only when every sink accepted the visit. Callers pass
// back the set of sinks that already succeeded so that a retried emission
// only re-attempts the sinks that failed.
package emit

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rideon/internal/ir"
)

// Sink is one downstream destination for completed visits.
// Publish must be safe to call concurrently with other sinks' Publish.
type Sink interface {
	Name() string
	Publish(ctx context.Context, visit ir.VisitCompleted) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, visit ir.VisitCompleted) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	return f.Fn(ctx, visit)
}

// SinkError reports the failure of a single sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Emitter fans a visit out to a fixed list of sinks.
type Emitter struct {
	sinks []Sink
}

// New returns an emitter over sinks. Sink names must be unique.
func New(sinks ...Sink) (*Emitter, error) {
	seen := make(map[string]bool, len(sinks))
	for _, s := range sinks {
		if s.Name() == "" {
			return nil, errors.New("sink with empty name")
		}
		if seen[s.Name()] {
			return nil, fmt.Errorf("duplicate sink %q", s.Name())
		}
		seen[s.Name()] = true
	}
	return &Emitter{sinks: sinks}, nil
}

// MustNew is like New but panics on invalid sinks.
func MustNew(sinks ...Sink) *Emitter {
	e, err := New(sinks...)
	if err != nil {
		panic(err)
	}
	return e
}

// Names lists the sink names in configuration order.
func (e *Emitter) Names() []string {
	names := make([]string, len(e.sinks))
	for i, s := range e.sinks {
		names[i] = s.Name()
	}
	return names
}

// Done reports whether delivered covers every sink.
func (e *Emitter) Done(delivered []string) bool {
	for _, s := range e.sinks {
		if !slices.Contains(delivered, s.Name()) {
			return false
		}
	}
	return true
}

// Emit publishes visit to every sink not already in delivered, concurrently.
//
// It returns the updated delivered set (in configuration order) together with
// a joined *SinkError for each sink that failed, also in configuration order. A nil error means every sink
// has now accepted the visit. Sinks listed in delivered are never called.
func (e *Emitter) Emit(ctx context.Context, visit ir.VisitCompleted, delivered []string) ([]string, error) {
	// Each goroutine writes only its own slot.
	accepted := make([]bool, len(e.sinks))
	errs := make([]error, len(e.sinks))

	// A plain Group: one failing sink must not cancel the others.
	var g errgroup.Group
	for i, s := range e.sinks {
		if slices.Contains(delivered, s.Name()) {
			accepted[i] = true
			continue
		}
		g.Go(func() error {
			if err := s.Publish(ctx, visit); err != nil {
				errs[i] = &SinkError{Sink: s.Name(), Err: err}
				return errs[i]
			}
			accepted[i] = true
			return nil
		})
	}
	waitErr := g.Wait()

	out := make([]string, 0, len(e.sinks))
	for i, s := range e.sinks {
		if accepted[i] {
			out = append(out, s.Name())
		}
	}
	if waitErr == nil {
		return out, nil
	}
	// Wait keeps only the first failure; report every sink in order.
	return out, errors.Join(errs...)
}
