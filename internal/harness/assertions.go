package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		switch event.Type {
		case EventDelivery:
			fmt.Fprintf(&buf, "  [%d] %s %s at %s -> %s (attempts=%d)\n",
				i+1, event.Kind, event.Entity, event.At, event.Outcome, event.Attempts)
		case EventEmission:
			fmt.Fprintf(&buf, "  [%d]   emit %s to %s [%s, %s]\n",
				i+1, event.Entity, event.Sink, event.Entered, event.Left)
		}
	}

	return buf.String()
}

// emissionsFor returns the emissions for entity, optionally restricted to sink.
func emissionsFor(trace []TraceEvent, entity, sink string) []TraceEvent {
	var out []TraceEvent
	for _, e := range trace {
		if e.Type != EventEmission {
			continue
		}
		if entity != "" && e.Entity != entity {
			continue
		}
		if sink != "" && e.Sink != sink {
			continue
		}
		out = append(out, e)
	}
	return out
}

// assertEmitted checks that every targeted sink received exactly one visit
// for the entity and that it carries the expected timestamps.
func assertEmitted(result *Result, sinks []string, assertion Assertion) error {
	entered := ir.FormatTime(testutil.Epoch.Add(offset(assertion.Entered)))
	left := ir.FormatTime(testutil.Epoch.Add(offset(assertion.Left)))

	targets := sinks
	if assertion.Sink != "" {
		targets = []string{assertion.Sink}
	}

	for _, sink := range targets {
		got := emissionsFor(result.Trace, assertion.Entity, sink)
		if len(got) != 1 {
			return &AssertionError{
				Type:     AssertEmitted,
				Expected: fmt.Sprintf("one visit for %s on sink %s", assertion.Entity, sink),
				Actual:   fmt.Sprintf("%d visits", len(got)),
				Trace:    result.Trace,
			}
		}
		if got[0].Entered != entered || got[0].Left != left {
			return &AssertionError{
				Type:     AssertEmitted,
				Expected: fmt.Sprintf("visit %s [%s, %s] on sink %s", assertion.Entity, entered, left, sink),
				Actual:   fmt.Sprintf("visit [%s, %s]", got[0].Entered, got[0].Left),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertEmittedCount checks the number of emissions matching entity and sink.
func assertEmittedCount(result *Result, assertion Assertion) error {
	got := len(emissionsFor(result.Trace, assertion.Entity, assertion.Sink))
	if got == assertion.Count {
		return nil
	}

	scope := "all entities"
	if assertion.Entity != "" {
		scope = assertion.Entity
	}
	if assertion.Sink != "" {
		scope += " on sink " + assertion.Sink
	}
	return &AssertionError{
		Type:     AssertEmittedCount,
		Expected: fmt.Sprintf("%d visits for %s", assertion.Count, scope),
		Actual:   fmt.Sprintf("%d visits", got),
		Trace:    result.Trace,
	}
}

// assertOutcome checks the outcome of one delivery.
func assertOutcome(result *Result, assertion Assertion) error {
	deliveries := result.Deliveries()
	if assertion.Index >= len(deliveries) {
		return &AssertionError{
			Type:     AssertOutcome,
			Expected: fmt.Sprintf("delivery %d", assertion.Index),
			Actual:   fmt.Sprintf("%d deliveries", len(deliveries)),
			Trace:    result.Trace,
		}
	}

	got := deliveries[assertion.Index].Outcome
	if got == assertion.Outcome {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutcome,
		Expected: fmt.Sprintf("delivery %d %s", assertion.Index, assertion.Outcome),
		Actual:   got,
		Trace:    result.Trace,
	}
}

// assertOutcomeCount checks how many deliveries ended with an outcome.
func assertOutcomeCount(result *Result, assertion Assertion) error {
	got := 0
	for _, d := range result.Deliveries() {
		if d.Outcome == assertion.Outcome {
			got++
		}
	}
	if got == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutcomeCount,
		Expected: fmt.Sprintf("%d deliveries %s", assertion.Count, assertion.Outcome),
		Actual:   fmt.Sprintf("%d deliveries", got),
		Trace:    result.Trace,
	}
}

// assertOpen checks that a record for the entity is still stored.
func assertOpen(result *Result, assertion Assertion) error {
	if slices.Contains(result.Open, assertion.Entity) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOpen,
		Expected: fmt.Sprintf("open record for %s", assertion.Entity),
		Actual:   fmt.Sprintf("open records %v", result.Open),
		Trace:    result.Trace,
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	sinks := result.Sinks
	if len(sinks) == 0 {
		sinks = []string{DefaultSink}
	}

	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEmitted:
			err = assertEmitted(result, sinks, assertion)
		case AssertEmittedCount:
			err = assertEmittedCount(result, assertion)
		case AssertOutcome:
			err = assertOutcome(result, assertion)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result, assertion)
		case AssertOpen:
			err = assertOpen(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
