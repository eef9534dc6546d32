package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/corates/backend/internal/collab"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 8 << 20
)

// newUpgrader builds the websocket upgrader. Origin policy is enforced by
// the CORS layer for plain HTTP; for upgrades the browser sends Origin and
// we accept the configured list, or any origin when the list is empty.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsSender wraps one websocket connection behind a write mutex so actor
// broadcasts and control frames never interleave mid-frame.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSender(conn *websocket.Conn) *wsSender {
	conn.SetReadLimit(readLimit)
	return &wsSender{conn: conn}
}

// Send marshals one collab event frame.
func (s *wsSender) Send(event collab.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.SendRaw(payload)
}

// SendRaw writes one pre-encoded JSON frame under a deadline.
func (s *wsSender) SendRaw(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// presenceSender adapts wsSender to the presence transport, which frames
// raw notification payloads rather than typed events.
type presenceSender struct {
	sender *wsSender
}

func (p *presenceSender) Send(payload []byte) error {
	return p.sender.SendRaw(payload)
}

func (p *presenceSender) Close() error {
	return p.sender.Close()
}
