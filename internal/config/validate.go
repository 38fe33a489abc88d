package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError lists every schema or consistency violation found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks the configuration against the embedded CUE schema and
// then applies the cross-section rules the schema cannot express.
func (c *Config) Validate() error {
	c.normalize()

	var problems []string

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		for _, e := range errors.Errors(err) {
			problems = append(problems, e.Error())
		}
	}

	if c.HasSink(SinkNATS) && c.NATS.URL == "" {
		problems = append(problems, "sink \"nats\" requires nats.url")
	}
	if c.HasSink(SinkRedis) && c.RedisStream.Addr == "" {
		problems = append(problems, "sink \"redis\" requires redis_stream.addr")
	}
	if c.HasSink(SinkFeed) && c.HTTP.Addr == "" {
		problems = append(problems, "sink \"feed\" requires http.addr")
	}
	if len(c.Sinks) == 0 {
		problems = append(problems, "at least one sink is required")
	}
	seen := make(map[string]bool, len(c.Sinks))
	for _, s := range c.Sinks {
		if seen[s] {
			problems = append(problems, fmt.Sprintf("sink %q listed twice", s))
		}
		seen[s] = true
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
