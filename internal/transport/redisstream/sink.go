// Package redisstream publishes completed visits to a capped Redis stream.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/ir"
)

// Sink appends every visit to one stream with XADD.
//
// Entries carry the visit ID so readers can drop the copy written again
// when a step is retried after a partial failure.
type Sink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New wraps an existing client. A maxLen of zero leaves the stream uncapped.
func New(client *redis.Client, stream string, maxLen int64) *Sink {
	return &Sink{client: client, stream: stream, maxLen: maxLen}
}

// Open dials the server described by cfg and verifies it answers.
func Open(ctx context.Context, cfg config.RedisStream) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Stream, cfg.MaxLen), nil
}

// Name implements emit.Sink.
func (s *Sink) Name() string { return config.SinkRedis }

// Publish implements emit.Sink.
func (s *Sink) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	w := visit.Wire()
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"entity_id":   w.EntityID,
			"entered":     w.Entered,
			"left":        w.Left,
			"visit_id":    w.VisitID,
			"duration_ms": w.DurationMS,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Recent returns up to n visits, newest first.
func (s *Sink) Recent(ctx context.Context, n int64) ([]ir.VisitCompleted, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}
	out := make([]ir.VisitCompleted, 0, len(msgs))
	for _, m := range msgs {
		v, err := decodeEntry(m.Values)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", m.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *Sink) Close() error {
	return s.client.Close()
}

func decodeEntry(values map[string]any) (ir.VisitCompleted, error) {
	field := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	entered, err := time.Parse(time.RFC3339Nano, field("entered"))
	if err != nil {
		return ir.VisitCompleted{}, fmt.Errorf("entered: %w", err)
	}
	left, err := time.Parse(time.RFC3339Nano, field("left"))
	if err != nil {
		return ir.VisitCompleted{}, fmt.Errorf("left: %w", err)
	}
	if ms := field("duration_ms"); ms != "" {
		if _, err := strconv.ParseInt(ms, 10, 64); err != nil {
			return ir.VisitCompleted{}, fmt.Errorf("duration_ms: %w", err)
		}
	}
	return ir.VisitCompleted{
		EntityID: ir.EntityID(field("entity_id")),
		Entered:  entered,
		Left:     left,
		VisitID:  field("visit_id"),
	}, nil
}
