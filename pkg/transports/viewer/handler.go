package viewer

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/redact"
	"github.com/harunnryd/callrelay/pkg/subscribers"
	"github.com/harunnryd/callrelay/pkg/transports"
)

// Registry is the part of the subscriber registry the handler needs.
type Registry interface {
	Subscribe(callID string, s subscribers.Subscriber) bool
	Unsubscribe(callID string, s subscribers.Subscriber) bool
}

type Options struct {
	Registry     Registry
	AllowOrigins []string
	// QueueSize is the per-socket outbound buffer. Defaults to 64.
	QueueSize int
}

// Handler serves browser viewer websockets. The first text message names the
// call to follow; later messages are ignored. An empty first message leaves
// the socket open but never subscribed.
type Handler struct {
	upgrader  websocket.Upgrader
	registry  Registry
	queueSize int
	logger    *slog.Logger
	active    atomic.Int64

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	draining bool
}

func NewHandler(opts Options) *Handler {
	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		registry:  opts.Registry,
		queueSize: opts.QueueSize,
		logger:    logging.NewComponentLogger(slog.Default(), "viewer"),
		conns:     make(map[*websocket.Conn]struct{}),
	}
	h.upgrader.CheckOrigin = transports.OriginChecker(opts.AllowOrigins)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if !h.track(conn) {
		return
	}
	defer h.untrack(conn)

	traceID := uuid.NewString()
	logger := h.logger.With(slog.String("trace_id", traceID))
	sock := newSocket(conn, h.queueSize, logger)
	go sock.loop()
	h.active.Add(1)
	defer h.active.Add(-1)
	logger.Info("viewer_connected", slog.String("remote_addr", r.RemoteAddr))

	var (
		callID string
		bound  bool
	)
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if bound || kind != websocket.TextMessage {
			continue
		}
		bound = true
		id := strings.TrimSpace(string(msg))
		if id == "" {
			logger.Warn("viewer_empty_call_id")
			continue
		}
		callID = id
		if h.registry != nil {
			h.registry.Subscribe(callID, sock)
		}
		logger.Info("viewer_subscribed", slog.String("call_sid", redact.CallSID(callID)))
	}

	if callID != "" && h.registry != nil {
		h.registry.Unsubscribe(callID, sock)
	}
	sock.Close()
	sock.Wait()
	logger.Info("viewer_disconnected", slog.String("call_sid", redact.CallSID(callID)))
}

// Drain closes every open viewer socket and refuses new ones. Each handler
// then unsubscribes its socket on the read error.
func (h *Handler) Drain() {
	h.mu.Lock()
	h.draining = true
	open := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}
}

func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// Active returns the number of open viewer sockets.
func (h *Handler) Active() int {
	return int(h.active.Load())
}
