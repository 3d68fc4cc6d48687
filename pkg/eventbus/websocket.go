package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/events"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

// frame is the wire envelope on the framework socket.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type botResponseData struct {
	EventType         string          `json:"event_type"`
	Data              json.RawMessage `json:"data"`
	InternalRequestID string          `json:"internal_request_id,omitempty"`
}

type cancelRequestData struct {
	RequestID string `json:"request_id"`
}

// Server exposes the event bus over a websocket endpoint. One framework
// connection at a time; a new connection replaces the previous one.
type Server struct {
	cfg   config.EventBusConfig
	queue *Queue

	httpServer *http.Server

	mu   sync.Mutex
	conn *websocket.Conn

	upgrader websocket.Upgrader
}

func NewServer(cfg config.EventBusConfig) *Server {
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetQueue wires the worker queue; must happen before Start.
func (s *Server) SetQueue(q *Queue) { s.queue = q }

// Start begins accepting framework connections on /events.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbus listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("eventbus", "Server stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("eventbus", "Event bus listening", map[string]any{"addr": addr})
	return nil
}

// Stop closes the listener and the active connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("eventbus", "Upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	logger.InfoCF("eventbus", "Framework connected", map[string]any{
		"remote": conn.RemoteAddr().String(),
	})
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.InfoCF("eventbus", "Framework disconnected", map[string]any{"error": err.Error()})
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.WarnCF("eventbus", "Malformed frame", map[string]any{"error": err.Error()})
			continue
		}

		switch f.Event {
		case FrameBotResponse:
			var body botResponseData
			if err := json.Unmarshal(f.Data, &body); err != nil {
				logger.WarnCF("eventbus", "Malformed bot_response", map[string]any{"error": err.Error()})
				continue
			}
			s.queue.Enqueue(events.OutgoingRequest{
				EventType: body.EventType,
				Data:      body.Data,
			}, body.InternalRequestID)
		case FrameCancelRequest:
			var body cancelRequestData
			if err := json.Unmarshal(f.Data, &body); err != nil {
				logger.WarnCF("eventbus", "Malformed cancel_request", map[string]any{"error": err.Error()})
				continue
			}
			s.queue.Cancel(body.RequestID)
		default:
			logger.DebugCF("eventbus", "Ignoring unknown frame", map[string]any{"event": f.Event})
		}
	}
}

// Emit implements Sink. Frames sent while no framework is connected are
// dropped; the framework re-syncs from adapter state on reconnect.
func (s *Server) Emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		logger.DebugCF("eventbus", "No framework connection, dropping frame", map[string]any{
			"event": event,
		})
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.ErrorCF("eventbus", "Frame marshal failed", map[string]any{"error": err.Error()})
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(frame{Event: event, Data: data}); err != nil {
		logger.WarnCF("eventbus", "Frame write failed", map[string]any{
			"event": event,
			"error": err.Error(),
		})
		_ = s.conn.Close()
		s.conn = nil
	}
}
