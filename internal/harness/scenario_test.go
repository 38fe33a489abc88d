package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
sinks: [log, redis]
failures:
  - { op: save, entity: p1, times: 1 }
  - { sink: redis, times: 2 }
deliveries:
  - { kind: entered, entity: p1, at: 0s }
  - { kind: left, entity: p1, at: 42m, advance: 1s }
assertions:
  - { type: emitted, entity: p1, entered: 0s, left: 42m }
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "test.yaml", validScenario)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "Test scenario for validation", scenario.Description)
	assert.Equal(t, []string{"log", "redis"}, scenario.Sinks)
	require.Len(t, scenario.Failures, 2)
	assert.Equal(t, "save", scenario.Failures[0].Op)
	assert.Equal(t, "redis", scenario.Failures[1].Sink)
	require.Len(t, scenario.Deliveries, 2)
	assert.Equal(t, "42m", scenario.Deliveries[1].At)
	assert.Equal(t, "1s", scenario.Deliveries[1].Advance)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "typo.yaml", validScenario+"assertion: []\n")

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing name",
			content: `
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "name is required",
		},
		{
			name: "missing description",
			content: `
name: n
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "description is required",
		},
		{
			name: "no deliveries",
			content: `
name: n
description: d
assertions: [{ type: open, entity: a }]`,
			want: "deliveries list is required",
		},
		{
			name: "no assertions",
			content: `
name: n
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]`,
			want: "assertions list is required",
		},
		{
			name: "bad kind",
			content: `
name: n
description: d
deliveries: [{ kind: exited, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "deliveries[0]",
		},
		{
			name: "bad offset",
			content: `
name: n
description: d
deliveries: [{ kind: entered, entity: a, at: noon }]
assertions: [{ type: open, entity: a }]`,
			want: "deliveries[0].at",
		},
		{
			name: "negative ttl",
			content: `
name: n
description: d
tombstone_ttl: -1s
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "tombstone_ttl",
		},
		{
			name: "too many partitions",
			content: `
name: n
description: d
partitions: 100000
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "partitions",
		},
		{
			name: "duplicate sink",
			content: `
name: n
description: d
sinks: [log, log]
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "duplicate sink",
		},
		{
			name: "unknown store op",
			content: `
name: n
description: d
failures: [{ op: flush, times: 1 }]
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "unknown store op",
		},
		{
			name: "unknown sink fault",
			content: `
name: n
description: d
failures: [{ sink: kafka, times: 1 }]
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "unknown sink",
		},
		{
			name: "op and sink",
			content: `
name: n
description: d
failures: [{ op: save, sink: log, times: 1 }]
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "mutually exclusive",
		},
		{
			name: "zero times",
			content: `
name: n
description: d
failures: [{ op: save, times: 0 }]
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`,
			want: "times must be non-zero",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: final_state }]`,
			want: "unknown assertion type",
		},
		{
			name: "emitted without left",
			content: `
name: n
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: emitted, entity: a, entered: 0s }]`,
			want: "left is required",
		},
		{
			name: "outcome index out of range",
			content: `
name: n
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: outcome, index: 3, outcome: tracked }]`,
			want: "out of range",
		},
		{
			name: "unknown outcome",
			content: `
name: n
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: outcome_count, outcome: lost, count: 1 }]`,
			want: "unknown outcome",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenarios(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", validScenario)
	writeScenario(t, dir, "a.yml", `
name: first
description: d
deliveries: [{ kind: entered, entity: a, at: 0s }]
assertions: [{ type: open, entity: a }]`)
	writeScenario(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	scenarios, err := LoadScenarios(dir)
	require.NoError(t, err)
	require.Len(t, scenarios, 2)
	assert.Equal(t, "first", scenarios[0].Name)
	assert.Equal(t, "test_scenario", scenarios[1].Name)
}

func TestLoadScenarios_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "a.yaml", validScenario)
	writeScenario(t, dir, "b.yaml", validScenario)

	_, err := LoadScenarios(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used by a.yaml")
}

func TestLoadScenarios_Testdata(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)
	assert.NotEmpty(t, scenarios)
}
