package viewer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

var (
	ErrQueueFull = errors.New("viewer send queue full")
	ErrClosed    = errors.New("viewer socket closed")
)

// Socket is a viewer connection with a buffered outbound queue. Send never
// blocks on the network; a single goroutine owns writes to the conn.
type Socket struct {
	conn   *websocket.Conn
	sendCh chan []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSocket(conn *websocket.Conn, buffer int, logger *slog.Logger) *Socket {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		conn:   conn,
		sendCh: make(chan []byte, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Send queues payload for the writer goroutine.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.sendCh <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Socket) loop() {
	defer close(s.done)
	for msg := range s.sendCh {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Debug("viewer_write_failed", slog.String("error", err.Error()))
			_ = s.conn.Close()
			for range s.sendCh {
			}
			return
		}
	}
}

// Close stops accepting frames and lets the writer flush what is queued.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.sendCh)
	s.mu.Unlock()
}

// Wait blocks until the writer goroutine has exited.
func (s *Socket) Wait() {
	<-s.done
}
