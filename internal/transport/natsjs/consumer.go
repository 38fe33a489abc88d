package natsjs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
)

// DefaultNakDelay is how long JetStream waits before redelivering an
// observation whose step ran out of retries.
const DefaultNakDelay = 5 * time.Second

// Submitter accepts observations for asynchronous handling. *engine.Router
// implements it.
type Submitter interface {
	Submit(obs ir.Observation, done func(engine.Result, error)) bool
}

// message is the part of jetstream.Msg the consumer settles.
type message interface {
	Subject() string
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Consumer pulls observations from the durable consumer and settles each
// message once its step finishes.
//
// Settlement:
//   - success (tracked, completed, discarded): Ack
//   - malformed payload or observation: Term (never redelivered)
//   - retries exhausted or router closed: NakWithDelay
type Consumer struct {
	cfg       config.NATS
	submitter Submitter
	logger    *slog.Logger
	nakDelay  time.Duration
	cc        jetstream.ConsumeContext
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = l
	}
}

// WithNakDelay sets the redelivery delay for failed steps.
func WithNakDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.nakDelay = d
	}
}

func newConsumer(cfg config.NATS, sub Submitter, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		cfg:       cfg,
		submitter: sub,
		logger:    slog.Default(),
		nakDelay:  DefaultNakDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume creates or updates the durable consumer for the entered and left
// subjects and starts delivering its messages to sub.
func (c *Client) Consume(ctx context.Context, sub Submitter, opts ...ConsumerOption) (*Consumer, error) {
	consumer := newConsumer(c.cfg, sub, opts...)

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        c.cfg.Durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        c.cfg.AckWait,
		FilterSubjects: []string{c.cfg.EnteredSubject, c.cfg.LeftSubject},
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		consumer.dispatch(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Durable, err)
	}
	consumer.cc = cc

	consumer.logger.Info("nats consumer started",
		"stream", c.cfg.Stream,
		"durable", c.cfg.Durable)
	return consumer, nil
}

// Stop stops pulling new messages. Messages already submitted are still
// settled when their steps finish.
func (c *Consumer) Stop() {
	if c.cc != nil {
		c.cc.Stop()
	}
}

func (c *Consumer) dispatch(msg message) {
	obs, err := ir.DecodeObservation(msg.Data(), kindFor(c.cfg, msg.Subject()))
	if err != nil {
		c.logger.Error("dropping malformed message",
			"subject", msg.Subject(),
			"error", err)
		c.settle(msg, msg.Term())
		return
	}

	if obs.DeliveryID == "" {
		if md, err := msg.Metadata(); err == nil {
			obs.DeliveryID = fmt.Sprintf("%s:%d", md.Stream, md.Sequence.Stream)
		}
	}

	accepted := c.submitter.Submit(obs, func(_ engine.Result, err error) {
		switch {
		case err == nil:
			c.settle(msg, msg.Ack())
		case engine.IsMalformed(err):
			c.settle(msg, msg.Term())
		default:
			c.logger.Warn("observation failed; requesting redelivery",
				"entity_id", obs.EntityID,
				"delivery_id", obs.DeliveryID,
				"delay", c.nakDelay,
				"error", err)
			c.settle(msg, msg.NakWithDelay(c.nakDelay))
		}
	})
	if !accepted {
		c.settle(msg, msg.NakWithDelay(c.nakDelay))
	}
}

func (c *Consumer) settle(msg message, err error) {
	if err != nil {
		c.logger.Warn("settling message failed",
			"subject", msg.Subject(),
			"error", err)
	}
}
