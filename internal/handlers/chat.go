package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akmatori/opsrelay/internal/api"
	"github.com/akmatori/opsrelay/internal/chat"
	"github.com/akmatori/opsrelay/internal/services"
)

const (
	// wsReadLimit caps one client frame
	wsReadLimit = 64 << 10

	// wsQueuedTurns is how many client turns may wait behind a running one
	wsQueuedTurns = 8
)

// ChatHandler streams incident chat turns over SSE and websockets
type ChatHandler struct {
	incidents    *services.IncidentService
	orchestrator *chat.Orchestrator
	opts         chat.StreamOptions
	upgrader     websocket.Upgrader
}

// NewChatHandler creates a new chat handler
func NewChatHandler(incidents *services.IncidentService, orchestrator *chat.Orchestrator, opts chat.StreamOptions) *ChatHandler {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = chat.DefaultKeepAlive
	}
	return &ChatHandler{
		incidents:    incidents,
		orchestrator: orchestrator,
		opts:         opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS and JWT middleware guard this route
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SetupRoutes configures the chat routes
func (h *ChatHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chat/stream", h.handleStream)
	mux.HandleFunc("GET /api/chat/ws", h.handleWebSocket)
}

// handleStream handles GET /api/chat/stream as text/event-stream
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	q := api.NewQueryParser(r)
	turn := chat.Turn{
		Message:        r.URL.Query().Get("message"),
		ConversationID: q.String("conversation_id"),
	}
	if id := q.Uint("incident_id"); id != nil {
		turn.IncidentID = *id
	}
	errs := q.Errors()
	var limitErrs map[string]string
	if turn.SimilarLimit, limitErrs = api.ParseLimit(r, "limit_similar", 0, chat.MaxContextLimit); limitErrs != nil {
		errs = mergeFieldErrors(errs, limitErrs)
	}
	if turn.RunbookLimit, limitErrs = api.ParseLimit(r, "limit_runbook", 0, chat.MaxContextLimit); limitErrs != nil {
		errs = mergeFieldErrors(errs, limitErrs)
	}
	if errs != nil {
		api.RespondValidationError(w, errs)
		return
	}
	if err := turn.Normalize(); err != nil {
		respondServiceError(w, err, "start chat")
		return
	}
	if _, err := h.incidents.GetIncident(r.Context(), turn.IncidentID); err != nil {
		respondServiceError(w, err, "start chat")
		return
	}

	sink, err := chat.NewSSESink(w)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	chat.SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := h.orchestrator.Serve(r.Context(), sink, h.opts, turn, "sse"); err != nil {
		log.Printf("ChatHandler: SSE turn for incident #%d ended early: %v", turn.IncidentID, err)
	}
}

// handleWebSocket handles GET /api/chat/ws. Each client frame is one turn;
// turns on a connection run one after another.
func (h *ChatHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ChatHandler: failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	turns := make(chan []byte, wsQueuedTurns)
	go h.readFrames(ctx, cancel, conn, turns)

	sink := chat.NewWSSink(conn)
	ping := time.NewTicker(h.opts.KeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := sink.KeepAlive(); err != nil {
				return
			}
		case data, ok := <-turns:
			if !ok {
				return
			}
			if err := h.serveFrame(ctx, sink, data); err != nil {
				log.Printf("ChatHandler: websocket turn ended early: %v", err)
				return
			}
		}
	}
}

// readFrames is the only reader of conn. Pongs and client frames extend
// the read deadline.
func (h *ChatHandler) readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, turns chan<- []byte) {
	defer close(turns)
	defer cancel()

	idle := 3 * h.opts.KeepAlive
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ChatHandler: websocket read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		select {
		case turns <- data:
		case <-ctx.Done():
			return
		}
	}
}

// serveFrame runs one client frame. Bad input is answered on the socket;
// only a broken connection returns an error.
func (h *ChatHandler) serveFrame(ctx context.Context, sink *chat.WSSink, data []byte) error {
	var turn chat.Turn
	if err := json.Unmarshal(data, &turn); err != nil {
		return rejectTurn(sink, "invalid message: expected {incident_id, message, conversation_id}")
	}
	if err := turn.Normalize(); err != nil {
		return rejectTurn(sink, err.Error())
	}
	if _, err := h.incidents.GetIncident(ctx, turn.IncidentID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return rejectTurn(sink, err.Error())
		}
		return rejectTurn(sink, "failed to load incident")
	}
	return h.orchestrator.Serve(ctx, sink, h.opts, turn, "ws")
}

// rejectTurn answers a turn that never started
func rejectTurn(sink chat.Sink, message string) error {
	ev := chat.Event{Type: chat.EventError, Data: chat.ErrorData{Message: message, Retryable: false}}
	if err := sink.Send(ev); err != nil {
		return err
	}
	return sink.Send(chat.DoneEvent(false))
}

func mergeFieldErrors(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
