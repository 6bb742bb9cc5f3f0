// Package api exposes the engine over HTTP: resource management, actions,
// job control, and live status streams as server-sent events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/msageha/tofud/internal/engine"
)

type Server struct {
	eng     *engine.Engine
	router  *gin.Engine
	logger  zerolog.Logger
	started time.Time

	srv      *http.Server
	done     chan struct{}
	doneOnce sync.Once
}

func New(eng *engine.Engine, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		eng:     eng,
		router:  r,
		logger:  logger,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv.RegisterOnShutdown(s.closeStreams)
	s.logger.Info().Str("addr", l.Addr().String()).Msg("http_listening")
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown ends event streams and waits for other requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeStreams()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.doneOnce.Do(func() { close(s.done) })
}
