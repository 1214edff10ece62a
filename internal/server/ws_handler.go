package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agenttrace/agenttrace/pkg/telemetry"
)

// writeWait bounds a single batch write so a stuck peer surfaces as a send
// failure (and is evicted) instead of wedging its session's send goroutine
// forever. A stuck send is the socket layer's problem, not the queue's.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Telemetry is consumed by the local terminal client and same-origin
	// dashboards only; there is no cross-origin browser use case to guard.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSender adapts a *websocket.Conn to telemetry.ClientSender.
type wsSender struct {
	conn *websocket.Conn
}

func (s wsSender) Send(batch telemetry.Batch) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(batch)
}

// handleWebsocket implements the duplex client socket at /ws. Each
// connection becomes one fan-out Session; multiple concurrent sessions are
// expected and never an error.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("server: websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(telemetry.MaxInboundMessageBytes)

	session := s.queue.Connect(wsSender{conn: conn})
	s.logger.Info("server: client connected", "session", session.ID)
	defer func() {
		s.queue.Disconnect(session)
		s.logger.Info("server: client disconnected", "session", session.ID)
	}()

	// The protocol is receive-only from the client's perspective; this
	// loop exists solely to detect the peer closing the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
