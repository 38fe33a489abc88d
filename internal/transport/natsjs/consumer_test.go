package natsjs

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rideon/internal/config"
	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
)

type fakeMsg struct {
	subject string
	data    []byte

	mu       sync.Mutex
	settled  []string
	nakDelay time.Duration
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Stream:   "RIDEON",
		Sequence: jetstream.SequencePair{Stream: 42, Consumer: 7},
	}, nil
}

func (m *fakeMsg) record(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled = append(m.settled, s)
	return nil
}

func (m *fakeMsg) Ack() error  { return m.record("ack") }
func (m *fakeMsg) Term() error { return m.record("term") }

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.nakDelay = d
	return m.record("nak")
}

func (m *fakeMsg) Settled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.settled...)
}

// syncSubmitter completes every submission inline with a fixed error.
type syncSubmitter struct {
	err    error
	closed bool
	got    []ir.Observation
}

func (s *syncSubmitter) Submit(obs ir.Observation, done func(engine.Result, error)) bool {
	if s.closed {
		return false
	}
	s.got = append(s.got, obs)
	done(engine.Result{}, s.err)
	return true
}

func testConsumer(sub Submitter) *Consumer {
	return newConsumer(config.Default().NATS, sub,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNakDelay(time.Second))
}

func TestDispatch_AcksSuccessfulStep(t *testing.T) {
	sub := &syncSubmitter{}
	c := testConsumer(sub)
	msg := &fakeMsg{
		subject: config.Default().NATS.EnteredSubject,
		data:    []byte(`{"entity_id":"p-1","timestamp":"2024-03-01T09:00:00Z"}`),
	}

	c.dispatch(msg)

	assert.Equal(t, []string{"ack"}, msg.Settled())
	require.Len(t, sub.got, 1)
	assert.Equal(t, ir.KindEntered, sub.got[0].Kind, "kind comes from the subject")
	assert.Equal(t, "RIDEON:42", sub.got[0].DeliveryID, "delivery id falls back to stream sequence")
}

func TestDispatch_KeepsPayloadDeliveryID(t *testing.T) {
	sub := &syncSubmitter{}
	c := testConsumer(sub)
	msg := &fakeMsg{
		subject: config.Default().NATS.LeftSubject,
		data:    []byte(`{"entity_id":"p-1","timestamp":"2024-03-01T09:00:00Z","delivery_id":"d-1"}`),
	}

	c.dispatch(msg)

	require.Len(t, sub.got, 1)
	assert.Equal(t, ir.KindLeft, sub.got[0].Kind)
	assert.Equal(t, "d-1", sub.got[0].DeliveryID)
}

func TestDispatch_TermsMalformedPayload(t *testing.T) {
	sub := &syncSubmitter{}
	c := testConsumer(sub)

	for name, data := range map[string]string{
		"not json":  `{`,
		"no entity": `{"timestamp":"2024-03-01T09:00:00Z"}`,
	} {
		t.Run(name, func(t *testing.T) {
			msg := &fakeMsg{subject: config.Default().NATS.EnteredSubject, data: []byte(data)}
			c.dispatch(msg)
			assert.Equal(t, []string{"term"}, msg.Settled())
		})
	}
	assert.Empty(t, sub.got, "malformed messages never reach the engine")
}

func TestDispatch_TermsMalformedStep(t *testing.T) {
	obs := ir.Observation{EntityID: "p-1", Kind: ir.KindEntered}
	sub := &syncSubmitter{err: engine.NewMalformedError(obs, ir.ErrMalformed)}
	msg := &fakeMsg{
		subject: config.Default().NATS.EnteredSubject,
		data:    []byte(`{"entity_id":"p-1","timestamp":"2024-03-01T09:00:00Z"}`),
	}

	testConsumer(sub).dispatch(msg)
	assert.Equal(t, []string{"term"}, msg.Settled())
}

func TestDispatch_NaksExhaustedStep(t *testing.T) {
	obs := ir.Observation{EntityID: "p-1", Kind: ir.KindEntered}
	sub := &syncSubmitter{err: engine.NewExhaustedError(obs, 6, errors.New("store down"))}
	msg := &fakeMsg{
		subject: config.Default().NATS.EnteredSubject,
		data:    []byte(`{"entity_id":"p-1","timestamp":"2024-03-01T09:00:00Z"}`),
	}

	testConsumer(sub).dispatch(msg)
	assert.Equal(t, []string{"nak"}, msg.Settled())
	assert.Equal(t, time.Second, msg.nakDelay)
}

func TestDispatch_NaksWhenRouterClosed(t *testing.T) {
	sub := &syncSubmitter{closed: true}
	msg := &fakeMsg{
		subject: config.Default().NATS.LeftSubject,
		data:    []byte(`{"entity_id":"p-1","timestamp":"2024-03-01T09:00:00Z"}`),
	}

	testConsumer(sub).dispatch(msg)
	assert.Equal(t, []string{"nak"}, msg.Settled())
}

func TestSubjectMapping(t *testing.T) {
	cfg := config.Default().NATS

	s, err := subjectFor(cfg, ir.KindEntered)
	require.NoError(t, err)
	assert.Equal(t, cfg.EnteredSubject, s)
	assert.Equal(t, ir.KindEntered, kindFor(cfg, s))

	s, err = subjectFor(cfg, ir.KindLeft)
	require.NoError(t, err)
	assert.Equal(t, ir.KindLeft, kindFor(cfg, s))

	_, err = subjectFor(cfg, ir.KindUnknown)
	assert.ErrorIs(t, err, ir.ErrMalformed)
	assert.Equal(t, ir.KindUnknown, kindFor(cfg, cfg.VisitedSubject))
}
