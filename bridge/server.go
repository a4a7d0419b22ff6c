package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/barrhawk/labcore/core"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 2 * core.HeartbeatInterval * core.HeartbeatMissLimit
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The bridge is an internal endpoint; origin checks belong to the
	// deployment's ingress.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport delivers messages over one websocket connection. Writes are
// serialized through a mutex; the bridge's synchronous delivery keeps
// per-(source,target) order.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (t *wsTransport) Deliver(ctx context.Context, msg *core.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return core.NewCoreError("wsTransport.Deliver", core.KindValidation, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportFailed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewCoreError("wsTransport.Deliver", core.KindTransport,
			fmt.Errorf("%w: %v", core.ErrTransportFailed, err))
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// Server exposes the bridge over HTTP: a websocket endpoint for
// components and a small read-only admin surface.
type Server struct {
	bridge *Bridge
	logger core.Logger
	http   *http.Server
}

// NewServer builds the HTTP surface for a bridge.
func NewServer(b *Bridge, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{bridge: b, logger: core.ComponentLogger(logger, "bridge/http")}
}

// Router assembles the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/history", s.handleHistory)
	r.Get("/dead-letters", s.handleDeadLetters)
	r.Get("/components", s.handleComponents)

	return otelhttp.NewHandler(r, "bridge")
}

// Start binds the listener. Failure to bind is fatal per the error
// taxonomy: the process cannot serve its purpose.
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Bridge server listening", map[string]interface{}{"port": port})
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return core.NewCoreError("bridge.Server.Start", core.KindFatal, err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	componentID := r.URL.Query().Get("component")
	version := r.URL.Query().Get("version")
	if !core.ValidComponentID(componentID) {
		http.Error(w, fmt.Sprintf(`{"error":"invalid component id %q"}`, componentID), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	transport := &wsTransport{conn: conn}

	if err := s.bridge.Register(componentID, transport); err != nil {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}
	if version != "" {
		s.bridge.SetVersion(componentID, version)
	}

	s.logger.Info("Websocket component connected", map[string]interface{}{
		"component_id": componentID,
		"remote":       r.RemoteAddr,
	})

	go s.readLoop(componentID, conn, transport)
}

// readLoop pumps inbound frames into the bridge until the peer drops.
func (s *Server) readLoop(componentID string, conn *websocket.Conn, transport *wsTransport) {
	defer func() {
		s.bridge.Unregister(componentID)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	conn.SetReadLimit(core.MaxMessageBytes + 4096)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Websocket component disconnected", map[string]interface{}{
				"component_id": componentID,
				"error":        err.Error(),
			})
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg core.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(transport, componentID, "", core.KindValidation, err.Error())
			continue
		}
		// Heartbeat on the wire also refreshes liveness for the sweeper.
		if msg.Type == core.TypeHeartbeat {
			s.bridge.Heartbeat(componentID, core.HealthHealthy)
		}
		if err := s.bridge.Publish(context.Background(), &msg); err != nil {
			s.replyError(transport, componentID, msg.ID, core.KindOf(err), err.Error())
		}
	}
}

// replyError surfaces a synchronous publish failure back to a remote
// client as a correlated error envelope.
func (s *Server) replyError(transport *wsTransport, target, causationID, kind, message string) {
	if kind == "" {
		kind = core.KindValidation
	}
	msg, err := core.NewMessage(core.ComponentBridge, target, core.TypeError, &core.ErrorPayload{
		Kind:      kind,
		Message:   message,
		MessageID: causationID,
	})
	if err != nil {
		return
	}
	msg.CausationID = causationID
	_ = transport.Deliver(context.Background(), msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"components": len(s.bridge.Components()),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := HistoryFilter{
		Type:   q.Get("type"),
		Source: q.Get("source"),
		Target: q.Get("target"),
	}
	if since := q.Get("since"); since != "" {
		if n, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.Since = n
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.bridge.History(filter))
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.DeadLetters())
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Components())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
