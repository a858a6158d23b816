// Package httpapi serves a small read-only status API: health, run
// statistics, configured sources, and a websocket stream of bus events.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"commentwatch/internal/eventbus"
	"commentwatch/internal/notify"
	"commentwatch/internal/poller"
	"commentwatch/internal/runtime/supervisor"
	logx "commentwatch/pkg/logx"
)

// StatusProvider is implemented by *poller.Poller.
type StatusProvider interface {
	Stats() poller.Stats
	Sources() []string
}

// DeliveryProvider is implemented by *notify.Dispatcher.
type DeliveryProvider interface {
	Stats() notify.Stats
}

// TaskLister is implemented by *supervisor.Supervisor.
type TaskLister interface {
	Tasks() []supervisor.TaskStats
}

type Config struct {
	Addr    string
	Version string
}

type Server struct {
	cfg      Config
	log      logx.Logger
	status   StatusProvider
	delivery DeliveryProvider
	bus      eventbus.Bus
	tasks    TaskLister
	engine   *gin.Engine
	started  time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New builds the router. delivery may be nil.
func New(cfg Config, status StatusProvider, delivery DeliveryProvider, bus eventbus.Bus, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		log:      log.With(logx.Component("httpapi")),
		status:   status,
		delivery: delivery,
		bus:      bus,
		started:  time.Now(),
	}
	r := gin.New()
	r.Use(s.accessLog(), gin.Recovery())
	r.GET("/health", s.health)
	r.GET("/stats", s.stats)
	r.GET("/sources", s.sources)
	r.GET("/events", s.events)
	r.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	s.engine = r
	return s
}

// SetTasks exposes supervisor task counters on /stats. Call before Start.
func (s *Server) SetTasks(t TaskLister) { s.tasks = t }

func (s *Server) Handler() http.Handler { return s.engine }

// Start binds the address and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	s.log.Info("status server listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server stopped", logx.Err(err))
		}
	}()
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("latency", time.Since(start)),
			logx.String("client", c.ClientIP()),
		)
	}
}
