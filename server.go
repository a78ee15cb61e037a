package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rxmon/pkg/logging"
)

const clientSendDepth = 256

type Client struct {
	conn *websocket.Conn
	send chan any
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Server carries the WebSocket hub and the HTTP API. It is the engine's
// Publisher: PSD, status and error messages fan out to every connected
// client, dropping per-client when a send buffer is full.
type Server struct {
	log  *logging.Logger
	eng  *Engine
	addr string

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewServer(addr string, eng *Engine, log *logging.Logger) *Server {
	return &Server{
		log:  log.With("component", "server"),
		eng:  eng,
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		clients: make(map[*Client]bool),
	}
}

func (s *Server) PublishPSD(msg *PSDMessage) {
	s.broadcast(msg)
}

func (s *Server) PublishStatus(msg *StatusMessage) {
	s.broadcast(msg)
}

func (s *Server) PublishError(detail string) {
	s.broadcast(&ErrorMessage{
		Type:        "error",
		TimestampMs: time.Now().UnixMilli(),
		Message:     detail,
	})
}

func (s *Server) broadcast(msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- msg:
		default:
			// a slow client loses messages, never stalls the hub
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade: %v", err)
		return
	}
	client := &Client{conn: conn, send: make(chan any, clientSendDepth)}

	s.mu.Lock()
	s.clients[client] = true
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Infof("client connected from %s (%d active)", r.RemoteAddr, n)

	go client.writePump()

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		n := len(s.clients)
		s.mu.Unlock()
		close(client.send)
		s.log.Infof("client disconnected (%d active)", n)
	}()

	// a fresh client gets the current picture right away
	select {
	case client.send <- s.eng.Status():
	default:
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var doc CommandDoc
		if err := json.Unmarshal(msg, &doc); err != nil {
			s.eng.reportError("command parse", err)
			continue
		}
		s.eng.SubmitCommandDoc(&doc)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	rec := s.eng.IQRecorder()
	if rec == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "raw capture disabled"})
		return
	}
	if err := rec.Start(s.eng.appliedConfig()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec.Status())
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	rec := s.eng.IQRecorder()
	if rec == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "raw capture disabled"})
		return
	}
	if err := rec.Stop(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec.Status())
}

func (s *Server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	rec := s.eng.IQRecorder()
	if rec == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "raw capture disabled"})
		return
	}
	writeJSON(w, http.StatusOK, rec.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Run serves until the context ends, then closes every client so the
// shutdown can complete.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/record/start", s.handleRecordStart)
	mux.HandleFunc("/api/record/stop", s.handleRecordStop)
	mux.HandleFunc("/api/record/status", s.handleRecordStatus)

	srv := &http.Server{Addr: s.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.closeClients()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		client.conn.Close()
	}
}
