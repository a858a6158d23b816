package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	logx "commentwatch/pkg/logx"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

func (s *Server) health(c *gin.Context) {
	st := s.status.Stats()
	body := gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
		"epoch":   st.Epoch.Format(time.RFC3339),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"cycles":  st.Cycles,
	}
	if !st.LastCycleAt.IsZero() {
		body["last_cycle_at"] = st.LastCycleAt.Format(time.RFC3339)
		body["last_cycle_duration"] = st.LastCycleDuration.String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) stats(c *gin.Context) {
	body := gin.H{
		"poller":      s.status.Stats(),
		"bus_dropped": s.bus.Dropped(),
	}
	if s.delivery != nil {
		body["delivery"] = s.delivery.Stats()
	}
	if s.tasks != nil {
		body["tasks"] = s.tasks.Tasks()
	}
	c.JSON(http.StatusOK, body)
}

type sourceView struct {
	Name      string    `json:"name"`
	Checks    uint64    `json:"checks"`
	Errors    uint64    `json:"errors"`
	QuotaHits uint64    `json:"quota_hits"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Server) sources(c *gin.Context) {
	st := s.status.Stats()
	names := s.status.Sources()
	out := make([]sourceView, 0, len(names))
	for _, n := range names {
		ss := st.Sources[n]
		out = append(out, sourceView{
			Name:      n,
			Checks:    ss.Checks,
			Errors:    ss.Errors,
			QuotaHits: ss.QuotaHits,
			LastCheck: ss.LastCheck,
			LastError: ss.LastError,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

// events streams bus events as JSON text frames. Repeated ?type= values
// filter by event type prefix.
func (s *Server) events(c *gin.Context) {
	ch, unsubscribe := s.bus.Subscribe(eventBuffer, c.QueryArray("type")...)
	defer unsubscribe()

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept has already written the error response.
		s.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	defer conn.CloseNow()

	// The stream is one-way; CloseRead handles pings and the peer's close.
	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "bus closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return
			}
		}
	}
}
