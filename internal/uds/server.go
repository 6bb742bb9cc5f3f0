package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSocketInUse is returned by Start when another process answers on the
// socket path.
var ErrSocketInUse = errors.New("socket already in use")

// HandlerFunc serves one request. ctx is cancelled when the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Server answers one framed request per connection.
type Server struct {
	path        string
	connTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.RWMutex
	routes   map[string]HandlerFunc
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(socketPath string, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:        socketPath,
		connTimeout: 30 * time.Second,
		logger:      logger,
		routes:      make(map[string]HandlerFunc),
		conns:       make(map[net.Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds reading a request and writing its response. Handler
// run time is not included.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

func (s *Server) Handle(command string, h HandlerFunc) {
	s.mu.Lock()
	s.routes[command] = h
	s.mu.Unlock()
}

// Start listens on the socket path, replacing a stale socket file left by a
// crashed process.
func (s *Server) Start() error {
	if c, err := net.DialTimeout("unix", s.path, time.Second); err == nil {
		_ = c.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.path)
	}
	_ = os.Remove(s.path)

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		_ = l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Go(func() { s.serve(l) })
	s.logger.Info().Str("socket", s.path).Msg("uds_listening")
	return nil
}

// Stop cancels running handlers, drops idle connections and waits for every
// connection goroutine before removing the socket file.
func (s *Server) Stop() error {
	s.cancel()
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.conns {
		// Only connections still waiting for a request are closed here;
		// busy ones finish writing their reply.
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	s.wg.Wait()
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) serve(l net.Listener) {
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept_failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Go(func() {
			defer s.forget(conn)
			s.serveConn(conn)
		})
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))
	if s.ctx.Err() != nil {
		return
	}
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug().Err(err).Msg("read_request_failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	started := time.Now()
	resp := s.dispatch(&req)
	ev := s.logger.Debug().Str("command", req.Command).Dur("elapsed", time.Since(started))
	if resp.Error != nil {
		ev = ev.Str("code", resp.Error.Code)
	}
	ev.Msg("uds_request")

	_ = conn.SetWriteDeadline(time.Now().Add(s.connTimeout))
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug().Err(err).Str("command", req.Command).Msg("write_response_failed")
	}
}

// dispatch routes req to its handler. A panicking handler yields an internal
// error reply instead of a dropped connection.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	s.mu.RLock()
	h, ok := s.routes[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("command", req.Command).
				Str("stack", string(debug.Stack())).Msg("uds_handler_panic")
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked", req.Command))
		}
	}()
	return h(s.ctx, req)
}
