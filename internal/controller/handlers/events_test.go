package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"suiteplane/internal/progress"
	"suiteplane/internal/store"
	"suiteplane/pkg/api"
)

func progressSequence(id uuid.UUID) []progress.Snapshot {
	return []progress.Snapshot{
		{ExecutionID: id, Status: store.ExecutionStatusRunning, Counts: store.Counts{Total: 2, Pending: 2}, Total: 2, Version: 2},
		{ExecutionID: id, Status: store.ExecutionStatusRunning, Counts: store.Counts{Total: 2, Passed: 1, Pending: 1}, Total: 2, PercentComplete: 50, Version: 3},
		{ExecutionID: id, Status: store.ExecutionStatusCompleted, Counts: store.Counts{Total: 2, Passed: 2}, Total: 2, PercentComplete: 100, PassRate: 100, Version: 5, Terminal: true},
	}
}

func newStreamServer(h *Handlers) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /executions/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /executions/{id}/ws", h.StreamWebSocket)
	mux.HandleFunc("GET /executions/{id}/progress", h.GetProgress)
	return httptest.NewServer(mux)
}

func TestStreamEvents(t *testing.T) {
	id := uuid.New()
	h := newTestHandlers(nil, &mockProgress{snapshots: progressSequence(id)})
	srv := newStreamServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/" + id.String() + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("got content type %q", ct)
	}

	var events []api.Snapshot
	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			if got := strings.TrimPrefix(line, "event: "); got != api.EventSnapshot {
				t.Errorf("got event %q", got)
			}
		case strings.HasPrefix(line, "data: "):
			var s api.Snapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
			events = append(events, s)
		}
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if strings.Join(ids, ",") != "2,3,5" {
		t.Errorf("got ids %v", ids)
	}
	if !events[2].Terminal || events[2].Status != "completed" || events[2].Counts.Passed != 2 {
		t.Errorf("unexpected final event %+v", events[2])
	}
}

func TestStreamEvents_UnknownExecution(t *testing.T) {
	h := newTestHandlers(nil, &mockProgress{subscribeErr: store.ErrNotFound})
	srv := newStreamServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/" + uuid.NewString() + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d", resp.StatusCode)
	}
}

func TestStreamWebSocket(t *testing.T) {
	id := uuid.New()
	h := newTestHandlers(nil, &mockProgress{snapshots: progressSequence(id)})
	srv := newStreamServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/executions/" + id.String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var got []api.Snapshot
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var s api.Snapshot
		err := conn.ReadJSON(&s)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("unexpected read error: %v", err)
			}
			break
		}
		got = append(got, s)
	}

	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Version <= got[i-1].Version {
			t.Errorf("versions not increasing: %d after %d", got[i].Version, got[i-1].Version)
		}
	}
	if !got[2].Terminal {
		t.Error("last message must be terminal")
	}
}

func TestStreamWebSocket_UnknownExecution(t *testing.T) {
	h := newTestHandlers(nil, &mockProgress{subscribeErr: store.ErrNotFound})
	srv := newStreamServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/executions/" + uuid.NewString() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("got response %v", resp)
	}
}

func TestGetProgress(t *testing.T) {
	id := uuid.New()
	snaps := progressSequence(id)
	h := newTestHandlers(nil, &mockProgress{latest: snaps[1]})
	srv := newStreamServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/executions/" + id.String() + "/progress")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var s api.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.PercentComplete != 50 || s.Version != 3 || s.ExecutionID != id.String() {
		t.Errorf("unexpected snapshot %+v", s)
	}
}

func TestWithAllowedOrigins(t *testing.T) {
	h := New(&mockEngine{}, &mockProgress{}, &mockPinger{}, WithAllowedOrigins([]string{"https://dash.example.com"}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("listed origin must be allowed")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(req) {
		t.Error("unlisted origin must be refused")
	}

	all := New(&mockEngine{}, &mockProgress{}, &mockPinger{}, WithAllowedOrigins([]string{"*"}))
	if !all.upgrader.CheckOrigin(req) {
		t.Error("wildcard must allow every origin")
	}
}
