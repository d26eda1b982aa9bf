package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsTransport adapts a gorilla connection to the registry's Transport.
// The mutex serializes data frames with keepalive pings.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteEnvelope(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleWS upgrades the connection and pumps inbound frames into the
// dispatcher. Clients identify themselves with an init message after
// connecting.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	transport := &wsTransport{conn: ws}
	conn := s.registry.Add(r.Context(), transport)
	defer s.registry.Remove(conn.ID)

	s.logger.Info("client connected", "conn_id", conn.ID, "remote", r.RemoteAddr)
	defer s.logger.Info("client disconnected", "conn_id", conn.ID)

	readWait := 2 * s.pingInterval
	ws.SetReadLimit(s.maxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		s.registry.Touch(conn.ID)
		return nil
	})

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-conn.Context().Done():
				return
			case <-ticker.C:
				if err := transport.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("client read error", "conn_id", conn.ID, "error", err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(readWait))
		s.registry.Touch(conn.ID)
		s.dispatcher.Dispatch(conn, msg)
	}
}
