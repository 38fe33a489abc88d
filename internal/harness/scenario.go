package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/partition"
	"github.com/roach88/rideon/internal/testutil"
)

// Scenario defines a conformance test scenario.
// Scenarios replay a fixed sequence of observations through the real engine,
// optionally with injected store and sink faults, and assert on the visits
// that reached the sinks and on the records left behind.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Partitions is the lane count. Zero uses partition.DefaultCount.
	Partitions int `yaml:"partitions,omitempty"`

	// TombstoneTTL is a Go duration. Empty uses the engine default and
	// "0s" disables tombstones.
	TombstoneTTL string `yaml:"tombstone_ttl,omitempty"`

	// Sinks names the sinks visits are emitted to. Empty means a single
	// sink called "log".
	Sinks []string `yaml:"sinks,omitempty"`

	// Failures are faults injected before the first delivery.
	Failures []Failure `yaml:"failures,omitempty"`

	// Deliveries are processed one at a time, in order.
	Deliveries []Delivery `yaml:"deliveries"`

	// Assertions validate the trace and the final store contents.
	Assertions []Assertion `yaml:"assertions"`
}

// Failure injects a fault into the visit store or into one sink.
// Exactly one of Op and Sink is set.
type Failure struct {
	// Op is a store call: load, save, remove, tombstone or has.
	Op string `yaml:"op,omitempty"`

	// Sink is the name of the sink to fail.
	Sink string `yaml:"sink,omitempty"`

	// Entity restricts a store fault to one entity.
	Entity string `yaml:"entity,omitempty"`

	// Times is how many calls fail. Negative fails forever.
	Times int `yaml:"times"`

	// AfterWrite applies a store write before failing it.
	AfterWrite bool `yaml:"after_write,omitempty"`
}

// Delivery is one observation handed to the engine.
type Delivery struct {
	// Kind is "entered" or "left".
	Kind string `yaml:"kind"`

	// Entity is the entity ID. A blank entity is delivered as-is and is
	// expected to be rejected.
	Entity string `yaml:"entity"`

	// At is the observation timestamp as an offset from testutil.Epoch.
	At string `yaml:"at"`

	// Advance moves the wall clock forward before the delivery.
	Advance string `yaml:"advance,omitempty"`
}

// Assertion validates the trace or the final store contents.
type Assertion struct {
	// Type specifies the assertion type:
	// - "emitted": Exactly one visit for entity with the given timestamps
	// - "emitted_count": Number of visits, optionally per entity or sink
	// - "outcome": Outcome of the delivery at index
	// - "outcome_count": Number of deliveries with outcome
	// - "open": A record for entity is still stored
	Type string `yaml:"type"`

	// Entity is the entity ID (emitted, emitted_count, open).
	Entity string `yaml:"entity,omitempty"`

	// Sink restricts emitted and emitted_count to one sink.
	Sink string `yaml:"sink,omitempty"`

	// Entered and Left are offsets from testutil.Epoch (emitted).
	Entered string `yaml:"entered,omitempty"`
	Left    string `yaml:"left,omitempty"`

	// Count is the expected number (emitted_count, outcome_count).
	Count int `yaml:"count,omitempty"`

	// Index is the zero-based delivery index (outcome).
	Index int `yaml:"index,omitempty"`

	// Outcome is an engine outcome name (outcome, outcome_count).
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertEmitted      = "emitted"
	AssertEmittedCount = "emitted_count"
	AssertOutcome      = "outcome"
	AssertOutcomeCount = "outcome_count"
	AssertOpen         = "open"
)

// DefaultSink is the sink used when a scenario names none.
const DefaultSink = "log"

var outcomeNames = map[string]bool{
	engine.OutcomeTracked.String():   true,
	engine.OutcomeCompleted.String(): true,
	engine.OutcomeDiscarded.String(): true,
	engine.OutcomeRejected.String():  true,
	engine.OutcomeFailed.String():    true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", name, s.Name, prev)
		}
		seen[s.Name] = name
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Partitions != 0 {
		if _, err := partition.New(s.Partitions); err != nil {
			return fmt.Errorf("partitions: %w", err)
		}
	}

	if s.TombstoneTTL != "" {
		ttl, err := time.ParseDuration(s.TombstoneTTL)
		if err != nil {
			return fmt.Errorf("tombstone_ttl: %w", err)
		}
		if ttl < 0 {
			return fmt.Errorf("tombstone_ttl must be non-negative")
		}
	}

	sinks := make(map[string]bool)
	for i, name := range s.sinkNames() {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sinks[%d]: name is required", i)
		}
		if sinks[name] {
			return fmt.Errorf("sinks[%d]: duplicate sink %q", i, name)
		}
		sinks[name] = true
	}

	if len(s.Deliveries) == 0 {
		return fmt.Errorf("deliveries list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, f := range s.Failures {
		switch {
		case f.Op != "" && f.Sink != "":
			return fmt.Errorf("failures[%d]: op and sink are mutually exclusive", i)
		case f.Op != "":
			if _, err := testutil.ParseOp(f.Op); err != nil {
				return fmt.Errorf("failures[%d]: %w", i, err)
			}
		case f.Sink != "":
			if !sinks[f.Sink] {
				return fmt.Errorf("failures[%d]: unknown sink %q", i, f.Sink)
			}
			if f.Entity != "" || f.AfterWrite {
				return fmt.Errorf("failures[%d]: entity and after_write only apply to store faults", i)
			}
		default:
			return fmt.Errorf("failures[%d]: op or sink is required", i)
		}
		if f.Times == 0 {
			return fmt.Errorf("failures[%d]: times must be non-zero", i)
		}
	}

	for i, d := range s.Deliveries {
		if _, err := ir.ParseKind(d.Kind); err != nil {
			return fmt.Errorf("deliveries[%d]: %w", i, err)
		}
		if d.At == "" {
			return fmt.Errorf("deliveries[%d]: at is required", i)
		}
		if _, err := time.ParseDuration(d.At); err != nil {
			return fmt.Errorf("deliveries[%d].at: %w", i, err)
		}
		if d.Advance != "" {
			adv, err := time.ParseDuration(d.Advance)
			if err != nil {
				return fmt.Errorf("deliveries[%d].advance: %w", i, err)
			}
			if adv < 0 {
				return fmt.Errorf("deliveries[%d].advance must be non-negative", i)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, sinks, len(s.Deliveries)); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, sinks map[string]bool, deliveries int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	if a.Sink != "" && !sinks[a.Sink] {
		return fmt.Errorf("assertions[%d]: unknown sink %q", index, a.Sink)
	}

	switch a.Type {
	case AssertEmitted:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for emitted", index)
		}
		for field, v := range map[string]string{"entered": a.Entered, "left": a.Left} {
			if v == "" {
				return fmt.Errorf("assertions[%d]: %s is required for emitted", index, field)
			}
			if _, err := time.ParseDuration(v); err != nil {
				return fmt.Errorf("assertions[%d].%s: %w", index, field, err)
			}
		}
	case AssertEmittedCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for emitted_count", index)
		}
	case AssertOutcome:
		if a.Index < 0 || a.Index >= deliveries {
			return fmt.Errorf("assertions[%d]: index %d out of range", index, a.Index)
		}
		if !outcomeNames[a.Outcome] {
			return fmt.Errorf("assertions[%d]: unknown outcome %q", index, a.Outcome)
		}
	case AssertOutcomeCount:
		if !outcomeNames[a.Outcome] {
			return fmt.Errorf("assertions[%d]: unknown outcome %q", index, a.Outcome)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outcome_count", index)
		}
	case AssertOpen:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for open", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func (s *Scenario) sinkNames() []string {
	if len(s.Sinks) == 0 {
		return []string{DefaultSink}
	}
	return s.Sinks
}

// offset parses a duration already checked by validateScenario.
func offset(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
