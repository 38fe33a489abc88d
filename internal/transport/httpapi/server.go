// Package httpapi exposes the engine over HTTP: observation ingress, record
// inspection and a websocket feed of completed visits.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/rideon/internal/engine"
	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
	"github.com/roach88/rideon/internal/store"
)

// maxBody caps the size of an observation payload.
const maxBody = 64 << 10

// Processor handles one observation synchronously. *engine.Router implements it.
type Processor interface {
	Process(ctx context.Context, obs ir.Observation) (engine.Result, error)
}

// queueReporter is implemented by processors that can report backlog.
type queueReporter interface {
	Queued() int
}

// Server wires the HTTP routes to the engine.
type Server struct {
	processor  Processor
	visits     store.VisitStore
	tombstones store.TombstoneStore
	feed       *Feed
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	router     *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithFeed enables GET /v1/feed.
func WithFeed(f *Feed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// WithTombstones lets GET /v1/visits/:id tell finalized entities apart from
// unknown ones.
func WithTombstones(t store.TombstoneStore) Option {
	return func(s *Server) {
		s.tombstones = t
	}
}

// New builds the route table.
func New(p Processor, visits store.VisitStore, opts ...Option) *Server {
	s := &Server{
		processor: p,
		visits:    visits,
		logger:    slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	v1 := r.Group("/v1")
	v1.POST("/events/:kind", s.postEvent)
	v1.GET("/visits/:id", s.getVisit)
	if s.feed != nil {
		v1.GET("/feed", s.openFeed)
	}

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts the listener down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.feed != nil {
			s.feed.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if q, ok := s.processor.(queueReporter); ok {
		body["queued"] = q.Queued()
	}
	if s.feed != nil {
		body["feed_clients"] = s.feed.Clients()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) postEvent(c *gin.Context) {
	kind, err := ir.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	obs, err := ir.DecodeObservation(data, kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if obs.Kind != kind {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload kind " + obs.Kind.String() + " does not match route " + kind.String()})
		return
	}
	if obs.DeliveryID == "" {
		obs.DeliveryID = uuid.NewString()
	}

	res, err := s.processor.Process(c.Request.Context(), obs)
	if err != nil {
		status := http.StatusServiceUnavailable
		if engine.IsMalformed(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":       err.Error(),
			"delivery_id": obs.DeliveryID,
		})
		return
	}

	body := gin.H{
		"outcome":     res.Outcome.String(),
		"delivery_id": obs.DeliveryID,
		"attempts":    res.Attempts,
	}
	if res.Visit != nil {
		body["visit"] = res.Visit.Wire()
	}
	c.JSON(http.StatusAccepted, body)
}

// recordView is the JSON shape of a stored VisitRecord.
type recordView struct {
	EntityID  string   `json:"entity_id"`
	State     string   `json:"state"`
	Status    string   `json:"status"`
	EnteredAt string   `json:"entered_at,omitempty"`
	LeftAt    string   `json:"left_at,omitempty"`
	Delivered []string `json:"delivered"`
	Version   int64    `json:"version"`
	UpdatedAt string   `json:"updated_at"`
}

func viewOf(rec saga.VisitRecord) recordView {
	v := recordView{
		EntityID:  string(rec.EntityID),
		State:     rec.State.String(),
		Status:    rec.Status.String(),
		Delivered: rec.Delivered,
		Version:   rec.Version,
		UpdatedAt: ir.FormatTime(rec.UpdatedAt),
	}
	if v.Delivered == nil {
		v.Delivered = []string{}
	}
	if rec.Status.Has(saga.EnteredObserved) {
		v.EnteredAt = ir.FormatTime(rec.EnteredAt)
	}
	if rec.Status.Has(saga.LeftObserved) {
		v.LeftAt = ir.FormatTime(rec.LeftAt)
	}
	return v
}

func (s *Server) getVisit(c *gin.Context) {
	id := ir.EntityID(c.Param("id"))
	ctx := c.Request.Context()

	rec, err := s.visits.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		body := gin.H{"error": "no open visit", "entity_id": id}
		if s.tombstones != nil {
			if dead, err := s.tombstones.Has(ctx, id); err == nil {
				body["finalized"] = dead
			}
		}
		c.JSON(http.StatusNotFound, body)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(rec))
}

func (s *Server) openFeed(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("feed upgrade failed", "error", err)
		return
	}

	cl, ok := s.feed.add(conn)
	if !ok {
		conn.Close()
		return
	}
	s.logger.Info("feed client connected", "remote", c.Request.RemoteAddr)

	go func() {
		defer func() {
			s.feed.remove(cl)
			s.logger.Info("feed client disconnected", "remote", c.Request.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
