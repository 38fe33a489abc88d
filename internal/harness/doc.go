// Package harness provides conformance testing for the visit correlation
// engine.
//
// A scenario replays a fixed list of observations through the real engine
// and router, backed by an in-memory store, and checks what reached the
// sinks. Store and sink faults can be injected to exercise the retry path.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: redelivered_entered
//	description: "A redelivered Entered replaces the first one"
//	partitions: 64
//	tombstone_ttl: 10m
//	sinks: [log, nats]
//	failures:
//	  - op: save
//	    entity: B
//	    times: 2
//	  - sink: nats
//	    times: 1
//	deliveries:
//	  - { kind: entered, entity: B, at: 0s }
//	  - { kind: entered, entity: B, at: 5s }
//	  - { kind: left, entity: B, at: 10s }
//	assertions:
//	  - { type: emitted, entity: B, entered: 5s, left: 10s }
//	  - { type: emitted_count, count: 2 }
//
// Timestamps (at, entered, left) are offsets from testutil.Epoch. A
// delivery may also carry advance, which moves the wall clock forward
// before it is handled; that is how tombstone expiry is reached.
//
// # Assertion Types
//
//   - emitted: Each targeted sink received exactly one visit for the entity,
//     with the given timestamps
//   - emitted_count: Number of visits, filtered by entity and sink
//   - outcome: Outcome of the delivery at a zero-based index
//   - outcome_count: Number of deliveries with an outcome
//   - open: The entity still has a stored record
//
// # Deterministic Testing
//
// Deliveries are processed one at a time and the wall clock only moves when
// a scenario says so. The retry schedule keeps its production shape but is
// scaled to microseconds (see Policy). The trace therefore only depends on
// the scenario, which allows golden snapshot comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/scenario_a.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
