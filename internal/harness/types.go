package harness

// Trace event types.
const (
	EventDelivery = "delivery"
	EventEmission = "emission"
)

// TraceEvent is either a delivery handled by the engine or a visit that
// reached a sink as a result of it.
type TraceEvent struct {
	Type string `json:"type"` // "delivery" or "emission"

	// Seq is the 1-based delivery index. An emission carries the Seq of the
	// delivery that caused it.
	Seq int64 `json:"seq"`

	Entity string `json:"entity"`

	// Delivery fields.
	Kind      string `json:"kind,omitempty"`
	At        string `json:"at,omitempty"`
	Partition int    `json:"partition"`
	Outcome   string `json:"outcome,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Code      string `json:"code,omitempty"`

	// Emission fields.
	Sink       string `json:"sink,omitempty"`
	Entered    string `json:"entered,omitempty"`
	Left       string `json:"left,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions match.
	Pass bool `json:"pass"`

	// Trace contains deliveries and the emissions they caused, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Sinks names the configured sinks, in configuration order.
	Sinks []string `json:"sinks"`

	// Open lists the entities that still have a stored record, sorted.
	Open []string `json:"open"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Open:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Deliveries returns the delivery events in order.
func (r *Result) Deliveries() []TraceEvent {
	return r.filter(EventDelivery)
}

// Emissions returns the emission events in order.
func (r *Result) Emissions() []TraceEvent {
	return r.filter(EventEmission)
}

func (r *Result) filter(typ string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
