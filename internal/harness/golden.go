package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rideon/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
//
// Visit IDs are left out: they are a pure function of the entity and both
// timestamps, all of which are already in the snapshot.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Open         []string     `json:"open"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles maps, slices and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"type":      event.Type,
			"seq":       event.Seq,
			"entity":    event.Entity,
			"partition": event.Partition,
		}
		switch event.Type {
		case EventDelivery:
			eventMap["kind"] = event.Kind
			eventMap["at"] = event.At
			eventMap["outcome"] = event.Outcome
			eventMap["attempts"] = event.Attempts
			if event.Code != "" {
				eventMap["code"] = event.Code
			}
		case EventEmission:
			eventMap["sink"] = event.Sink
			eventMap["entered"] = event.Entered
			eventMap["left"] = event.Left
			eventMap["duration_ms"] = event.DurationMS
		}
		traceList[i] = eventMap
	}

	open := s.Open
	if open == nil {
		open = []string{}
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"open":          open,
	}
}

// Snapshot renders the result as canonical JSON.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Open:         result.Open,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
