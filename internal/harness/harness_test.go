package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rideon/internal/retry"
)

func delivery(kind, entity, at string) Delivery {
	return Delivery{Kind: kind, Entity: entity, At: at}
}

func TestRun_Minimal(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "Entered then Left",
		Deliveries: []Delivery{
			delivery("entered", "p1", "0s"),
			delivery("left", "p1", "42m"),
		},
		Assertions: []Assertion{
			{Type: AssertEmitted, Entity: "p1", Entered: "0s", Left: "42m"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{DefaultSink}, result.Sinks)
	assert.Empty(t, result.Open)

	require.Len(t, result.Trace, 3)
	assert.Equal(t, EventDelivery, result.Trace[0].Type)
	assert.Equal(t, "tracked", result.Trace[0].Outcome)
	assert.Equal(t, EventDelivery, result.Trace[1].Type)
	assert.Equal(t, "completed", result.Trace[1].Outcome)
	assert.Equal(t, EventEmission, result.Trace[2].Type)
	assert.Equal(t, int64(2), result.Trace[2].Seq)
	assert.Equal(t, int64(42*60*1000), result.Trace[2].DurationMS)
}

func TestRun_FailingAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "unfinished",
		Description: "Only Entered arrives",
		Deliveries:  []Delivery{delivery("entered", "p1", "0s")},
		Assertions: []Assertion{
			{Type: AssertEmitted, Entity: "p1", Entered: "0s", Left: "1m"},
			{Type: AssertOpen, Entity: "p1"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: emitted")
	assert.Contains(t, result.Errors[0], "0 visits")
	assert.Equal(t, []string{"p1"}, result.Open)
}

func TestRun_InvalidScenario(t *testing.T) {
	_, err := Run(&Scenario{Name: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scenario")
}

func TestRun_CancelledContext(t *testing.T) {
	scenario := &Scenario{
		Name:        "cancelled",
		Description: "Context ends before the first delivery",
		Deliveries:  []Delivery{delivery("entered", "p1", "0s")},
		Assertions:  []Assertion{{Type: AssertOpen, Entity: "p1"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunContext(ctx, scenario)
	require.Error(t, err)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/partial_sink_failure.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_SinkFailureCountsAccumulate(t *testing.T) {
	scenario := &Scenario{
		Name:        "sink_forever",
		Description: "A sink that never recovers exhausts the schedule",
		Sinks:       []string{"log", "redis"},
		Failures: []Failure{
			{Sink: "redis", Times: 1},
			{Sink: "redis", Times: -1},
		},
		Deliveries: []Delivery{
			delivery("entered", "p1", "0s"),
			delivery("left", "p1", "1m"),
		},
		Assertions: []Assertion{
			{Type: AssertEmittedCount, Sink: "log", Count: 1},
			{Type: AssertEmittedCount, Sink: "redis", Count: 0},
			{Type: AssertOutcome, Index: 1, Outcome: "failed"},
			{Type: AssertOpen, Entity: "p1"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)

	deliveries := result.Deliveries()
	require.Len(t, deliveries, 2)
	assert.Equal(t, retry.Default().MaxAttempts(), deliveries[1].Attempts)
	assert.Equal(t, "RETRIES_EXHAUSTED", deliveries[1].Code)
}

func TestPolicy(t *testing.T) {
	p := Policy()
	def := retry.Default()

	assert.Equal(t, def.MaxAttempts(), p.MaxAttempts())
	assert.Equal(t, def.Total()/1000, p.Total())
}

// TestScenarios runs every scenario under testdata/scenarios and compares its
// trace with testdata/golden.
func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "file name and scenario name must match")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}
