package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akmatori/opsrelay/internal/chat"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/testhelpers"
)

type sseEvent struct {
	name string
	data map[string]interface{}
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestChatHandler_Stream(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().WithTitle("Checkout errors").Create(t, env.db)
	testhelpers.NewAlertBuilder().WithIncident(incident.ID).Create(t, env.db)

	path := fmt.Sprintf("/api/chat/stream?incident_id=%d&message=what+should+I+do", incident.ID)
	ctx := testhelpers.NewHTTPTestContext(t, http.MethodGet, path, nil).
		Execute(env.mux).
		AssertStatus(http.StatusOK)

	if ct := ctx.Recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := parseSSE(t, ctx.Recorder.Body.String())
	if len(events) < 4 {
		t.Fatalf("expected a full event sequence, got %+v", events)
	}
	if events[0].name != "tool" || events[0].data["status"] != chat.ToolRunning {
		t.Errorf("first event = %+v, want tool running", events[0])
	}

	last := events[len(events)-1]
	if last.name != "done" || last.data["ok"] != true {
		t.Errorf("last event = %+v, want done ok", last)
	}

	var deltas strings.Builder
	var final map[string]interface{}
	for _, ev := range events {
		switch ev.name {
		case "assistant_delta":
			deltas.WriteString(ev.data["delta"].(string))
		case "assistant":
			final = ev.data
		}
	}
	if final == nil {
		t.Fatal("missing assistant event")
	}
	if final["content"] != deltas.String() {
		t.Errorf("content %q does not match concatenated deltas %q", final["content"], deltas.String())
	}
	if final["conversation_id"] != fmt.Sprintf("incident-%d", incident.ID) {
		t.Errorf("conversation_id = %v", final["conversation_id"])
	}
	if id, _ := final["id"].(string); !strings.HasPrefix(id, "assistant-") {
		t.Errorf("id = %q", id)
	}
}

func TestChatHandler_StreamRejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().Create(t, env.db)

	tests := []struct {
		name     string
		query    string
		expected int
	}{
		{"missing incident", "incident_id=999&message=hi", http.StatusNotFound},
		{"empty message", fmt.Sprintf("incident_id=%d&message=++", incident.ID), http.StatusBadRequest},
		{"missing incident id", "message=hi", http.StatusBadRequest},
		{"bad incident id", "incident_id=abc&message=hi", http.StatusUnprocessableEntity},
		{"limit too high", fmt.Sprintf("incident_id=%d&message=hi&limit_similar=21", incident.ID), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/chat/stream?"+tt.query, nil).
				Execute(env.mux).
				AssertStatus(tt.expected)
			if ct := ctx.Recorder.Header().Get("Content-Type"); ct == "text/event-stream" {
				t.Error("rejected turn must not open a stream")
			}
		})
	}
}

func dialChat(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilDone collects frames up to and including done
func readUntilDone(t *testing.T, conn *websocket.Conn) []chat.Frame {
	t.Helper()
	var frames []chat.Frame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f chat.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v (after %d frames)", err, len(frames))
		}
		frames = append(frames, f)
		if f.Event == chat.EventDone {
			return frames
		}
	}
}

func TestChatHandler_WebSocketTurns(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	incident := testhelpers.NewIncidentBuilder().WithSeverity(database.SeverityCritical).Create(t, env.db)
	conn := dialChat(t, env)

	turn := map[string]interface{}{"incident_id": incident.ID, "message": "summary please", "conversation_id": "c-1"}
	if err := conn.WriteJSON(turn); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readUntilDone(t, conn)
	if frames[0].Event != chat.EventTool {
		t.Errorf("first frame = %s, want tool", frames[0].Event)
	}
	done := frames[len(frames)-1].Data.(map[string]interface{})
	if done["ok"] != true {
		t.Errorf("done = %v, want ok", done)
	}

	// the connection keeps serving after a rejected frame
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames = readUntilDone(t, conn)
	if len(frames) != 2 || frames[0].Event != chat.EventError {
		t.Fatalf("unexpected frames for bad input: %+v", frames)
	}
	errData := frames[0].Data.(map[string]interface{})
	if errData["retryable"] != false {
		t.Errorf("bad input must not be retryable: %v", errData)
	}
	if frames[1].Data.(map[string]interface{})["ok"] != false {
		t.Errorf("done after rejection should not be ok: %v", frames[1].Data)
	}

	if err := conn.WriteJSON(map[string]interface{}{"incident_id": 999, "message": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames = readUntilDone(t, conn)
	if frames[0].Event != chat.EventError {
		t.Errorf("unknown incident should be rejected, got %+v", frames)
	}
}
