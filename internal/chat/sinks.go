package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// SetSSEHeaders prepares a response for event streaming
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SSESink writes events in the text/event-stream format
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink wraps w, which must support flushing
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSESink{w: w, flusher: flusher}, nil
}

// Send implements Sink
func (s *SSESink) Send(ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	s.flusher.Flush()
	return nil
}

// KeepAlive implements Sink with an SSE comment
func (s *SSESink) KeepAlive() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keep-alive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// wsWriteTimeout bounds every websocket write
const wsWriteTimeout = 10 * time.Second

// Frame is the websocket envelope of an event
type Frame struct {
	Event EventType   `json:"event"`
	Data  interface{} `json:"data"`
}

// WSSink writes events as JSON frames on a websocket
type WSSink struct {
	conn *websocket.Conn
}

// NewWSSink wraps an upgraded connection
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn}
}

// Send implements Sink
func (s *WSSink) Send(ev Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(Frame{Event: ev.Type, Data: ev.Data}); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", ev.Type, err)
	}
	return nil
}

// KeepAlive implements Sink with a websocket ping
func (s *WSSink) KeepAlive() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}
