// Package control implements the daemon control socket: a newline-delimited
// JSON request/response protocol over a unix socket in the workspace state
// directory. The CLI is the only intended client. Requests carry the client
// version; the server refuses clients whose major version does not match.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// ServerVersion is the version the daemon reports and gates clients against.
// Overridden at daemon startup from the build version.
var ServerVersion = "0.0.0"

// maxRequestBytes caps a single request line. Control requests are small;
// anything larger is a protocol error.
const maxRequestBytes = 1 << 20

// Publisher is the publish surface the server needs: retraction only.
type Publisher interface {
	Retract(ctx context.Context, dataID string) error
}

// Calibrations is the calibration surface the server needs: register and
// retire, singly or per set.
type Calibrations interface {
	Register(ctx context.Context, a *types.CalArtifact) (int64, error)
	Retire(ctx context.Context, id int64) error
	RetireSet(ctx context.Context, setName string) (int, error)
}

// Server answers control requests over the daemon socket.
type Server struct {
	socketPath string
	workspace  string
	dbPath     string

	store storage.Store
	queue *queue.Queue
	pub   Publisher
	cal   Calibrations
	log   *slog.Logger

	listener net.Listener
	mu       sync.RWMutex
	shutdown bool

	shutdownChan chan struct{}
	stopOnce     sync.Once
	doneChan     chan struct{} // closed when Start's cleanup is complete

	// Shutdown requests arriving over the socket. The daemon drains this.
	shutdownReq chan struct{}

	startTime        time.Time
	lastActivityTime atomic.Value // time.Time of the last request
	metrics          *Metrics

	// Connection limiting
	maxConns      int
	activeConns   int32
	connSemaphore chan struct{}

	requestTimeout time.Duration
	healthInterval time.Duration

	// readyChan closes once the listener is accepting.
	readyChan chan struct{}
}

// NewServer builds a control server. Limits come from the environment:
// CONTIMG_DAEMON_MAX_CONNS (default 100), CONTIMG_DAEMON_REQUEST_TIMEOUT
// (default 30s), CONTIMG_DAEMON_HEALTH_INTERVAL (default 1m).
func NewServer(cfg *config.Config, store storage.Store, q *queue.Queue, pub Publisher, cal Calibrations, log *slog.Logger) *Server {
	maxConns := 100
	if env := os.Getenv("CONTIMG_DAEMON_MAX_CONNS"); env != "" {
		var conns int
		if _, err := fmt.Sscanf(env, "%d", &conns); err == nil && conns > 0 {
			maxConns = conns
		}
	}

	requestTimeout := 30 * time.Second
	if env := os.Getenv("CONTIMG_DAEMON_REQUEST_TIMEOUT"); env != "" {
		if timeout, err := time.ParseDuration(env); err == nil && timeout > 0 {
			requestTimeout = timeout
		}
	}

	healthInterval := time.Minute
	if env := os.Getenv("CONTIMG_DAEMON_HEALTH_INTERVAL"); env != "" {
		if iv, err := time.ParseDuration(env); err == nil && iv > 0 {
			healthInterval = iv
		}
	}

	s := &Server{
		socketPath:     cfg.SocketPath(),
		workspace:      cfg.Workspace,
		dbPath:         cfg.DatabasePath(),
		store:          store,
		queue:          q,
		pub:            pub,
		cal:            cal,
		log:            logging.OrDiscard(log),
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
		shutdownReq:    make(chan struct{}, 1),
		startTime:      time.Now(),
		metrics:        NewMetrics(),
		maxConns:       maxConns,
		connSemaphore:  make(chan struct{}, maxConns),
		requestTimeout: requestTimeout,
		healthInterval: healthInterval,
		readyChan:      make(chan struct{}),
	}
	s.lastActivityTime.Store(time.Now())
	return s
}

// ShutdownRequested exposes shutdown requests received over the socket.
// The daemon selects on it alongside OS signals.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownReq
}

// Start listens on the socket and serves until Stop. It removes any stale
// socket file left by a previous daemon; the flock instance lock guarantees
// no live daemon owns it.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
		close(s.doneChan)
	}()

	close(s.readyChan)
	s.log.Info("control socket listening", "path", s.socketPath, "max_conns", s.maxConns)

	go s.healthLoop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		select {
		case s.connSemaphore <- struct{}{}:
		default:
			// At the connection cap: refuse with an explicit error so the
			// client does not hang waiting for a slot.
			s.metrics.RecordError("overload")
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = writeResponse(conn, Response{
				Success: false,
				Error:   fmt.Sprintf("daemon at connection limit (%d)", s.maxConns),
			})
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

// WaitReady blocks until the server is accepting connections or the timeout
// elapses.
func (s *Server) WaitReady(timeout time.Duration) error {
	select {
	case <-s.readyChan:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("control server not ready after %s", timeout)
	}
}

// Stop shuts the server down and waits for Start to finish cleanup. Safe to
// call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.mu.Unlock()

		close(s.shutdownChan)
		if listener != nil {
			_ = listener.Close()
		}
	})

	s.mu.RLock()
	started := s.listener != nil
	s.mu.RUnlock()
	if started {
		<-s.doneChan
	}
}

// handleConn serves one client connection. A connection carries any number
// of requests, one JSON object per line, answered in order.
func (s *Server) handleConn(conn net.Conn) {
	atomic.AddInt32(&s.activeConns, 1)
	defer func() {
		atomic.AddInt32(&s.activeConns, -1)
		<-s.connSemaphore
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxRequestBytes)

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		// The deadline bounds both the wait for the next request and the
		// reply. Idle CLI connections are reaped rather than held open.
		if err := conn.SetDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}

		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}
		} else {
			resp = s.handleRequest(&req)
		}

		if err := writeResponse(conn, resp); err != nil {
			return
		}
	}
}

// writeResponse marshals resp onto conn as one line.
func writeResponse(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"success":false,"error":"failed to encode response"}`)
	}
	writer := bufio.NewWriter(conn)
	if _, err := writer.Write(data); err != nil {
		return err
	}
	if err := writer.WriteByte('\n'); err != nil {
		return err
	}
	return writer.Flush()
}

// healthLoop self-checks the daemon on a timer and logs degradation. The
// same probe backs the health operation.
func (s *Server) healthLoop() {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownChan:
			return
		case <-ticker.C:
			health := s.checkHealth("")
			switch health.Status {
			case "unhealthy":
				s.log.Error("health check failed", "error", health.Error)
			case "degraded":
				s.log.Warn("health degraded",
					"db_response_ms", health.DBResponseTime,
					"disk_free_bytes", health.DiskFreeBytes,
					"queue_backlog", health.QueueBacklog)
			}
		}
	}
}
