// Package natsjs connects the engine to NATS JetStream: it consumes Entered
// and Left observations, publishes observations for the load generator and
// publishes completed visits as a sink.
package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/ir"
)

// duplicateWindow is how long JetStream remembers Nats-Msg-Id values.
const duplicateWindow = 2 * time.Minute

// Client owns one NATS connection and the stream every subject lives on.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg config.NATS
}

// Connect dials cfg.URL and creates or updates the stream that carries the
// entered, left and visited subjects.
func Connect(ctx context.Context, cfg config.NATS, opts ...nats.Option) (*Client, error) {
	opts = append([]nats.Option{nats.Name("rideon")}, opts...)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.EnteredSubject, cfg.LeftSubject, cfg.VisitedSubject},
		Storage:    jetstream.FileStorage,
		Duplicates: duplicateWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	return &Client{nc: nc, js: js, cfg: cfg}, nil
}

// Close drains the connection so in-flight acks are flushed.
func (c *Client) Close() error {
	return c.nc.Drain()
}

// SubjectFor returns the inbound subject for kind.
func (c *Client) SubjectFor(kind ir.Kind) (string, error) {
	return subjectFor(c.cfg, kind)
}

func subjectFor(cfg config.NATS, kind ir.Kind) (string, error) {
	switch kind {
	case ir.KindEntered:
		return cfg.EnteredSubject, nil
	case ir.KindLeft:
		return cfg.LeftSubject, nil
	default:
		return "", fmt.Errorf("%w: no subject for kind %s", ir.ErrMalformed, kind)
	}
}

// kindFor maps an inbound subject back to its kind. Unknown subjects map to
// KindUnknown so the payload's own kind field decides.
func kindFor(cfg config.NATS, subject string) ir.Kind {
	switch subject {
	case cfg.EnteredSubject:
		return ir.KindEntered
	case cfg.LeftSubject:
		return ir.KindLeft
	default:
		return ir.KindUnknown
	}
}

// PublishObservation publishes obs on its kind's subject. A non-empty
// DeliveryID becomes the Nats-Msg-Id so the stream drops republished copies.
func (c *Client) PublishObservation(ctx context.Context, obs ir.Observation) error {
	subject, err := c.SubjectFor(obs.Kind)
	if err != nil {
		return err
	}
	data, err := ir.EncodeObservation(obs)
	if err != nil {
		return fmt.Errorf("encode observation: %w", err)
	}

	var opts []jetstream.PublishOpt
	if obs.DeliveryID != "" {
		opts = append(opts, jetstream.WithMsgID(obs.DeliveryID))
	}
	if _, err := c.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Sink publishes completed visits to the visited subject.
type Sink struct {
	js      jetstream.JetStream
	subject string
}

// Sink returns the visited-subject sink for this client.
func (c *Client) Sink() *Sink {
	return &Sink{js: c.js, subject: c.cfg.VisitedSubject}
}

// Name implements emit.Sink.
func (s *Sink) Name() string { return config.SinkNATS }

// Publish implements emit.Sink. The visit ID is the message ID, so a visit
// re-published after a partial failure is deduplicated by the server.
func (s *Sink) Publish(ctx context.Context, visit ir.VisitCompleted) error {
	data, err := ir.EncodeVisit(visit)
	if err != nil {
		return err
	}
	if _, err := s.js.Publish(ctx, s.subject, data, jetstream.WithMsgID(visit.VisitID)); err != nil {
		return fmt.Errorf("publish visit %s: %w", visit.VisitID, err)
	}
	return nil
}
