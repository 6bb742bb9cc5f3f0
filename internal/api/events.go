package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/msageha/tofud/internal/events"
)

const heartbeatInterval = 15 * time.Second

// events streams the bus for one key. The stored status, when present, is
// sent first so a new subscriber does not wait for the next tick.
func (s *Server) events(c *gin.Context) {
	key := keyOf(c)
	ch, unsubscribe := s.eng.Bus().Subscribe(key)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	if info, err := s.eng.Info(c.Request.Context(), key); err == nil && info.Status != nil {
		if data, err := json.Marshal(info.Status); err == nil {
			c.SSEvent(string(events.KindMessage), string(data))
			c.Writer.Flush()
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev.Data)
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case <-s.done:
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}
