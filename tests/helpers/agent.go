package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/xiaot623/gogo/sessionsync/internal/domain"
)

// FakeAgent is an in-process agent API serving scripted transcripts.
type FakeAgent struct {
	Server *httptest.Server

	mu       sync.Mutex
	messages map[string][]domain.Message
	statuses map[string]string
	prompts  map[string][]string
	nextID   int
}

func NewFakeAgent(t *testing.T) *FakeAgent {
	t.Helper()

	a := &FakeAgent{
		messages: make(map[string][]domain.Message),
		statuses: make(map[string]string),
		prompts:  make(map[string][]string),
	}
	a.Server = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.Server.Close)
	return a
}

// NewSession registers an empty upstream session and returns its ID.
func (a *FakeAgent) NewSession() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newSessionLocked()
}

func (a *FakeAgent) newSessionLocked() string {
	a.nextID++
	id := fmt.Sprintf("ses_%03d", a.nextID)
	a.messages[id] = []domain.Message{}
	a.statuses[id] = "busy"
	return id
}

// SetMessages replaces the transcript served for sessionID.
func (a *FakeAgent) SetMessages(sessionID string, msgs []domain.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[sessionID] = msgs
}

// SetStatus sets the upstream status type of sessionID.
func (a *FakeAgent) SetStatus(sessionID, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[sessionID] = status
}

// Prompts returns the user turns received for sessionID.
func (a *FakeAgent) Prompts(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts[sessionID]...)
}

func (a *FakeAgent) handle(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")

	switch {
	case r.Method == http.MethodPost && path == "session":
		writeJSON(w, map[string]string{"id": a.newSessionLocked()})

	case r.Method == http.MethodGet && path == "session/status":
		out := make(map[string]map[string]string)
		for id, st := range a.statuses {
			out[id] = map[string]string{"type": st}
		}
		writeJSON(w, out)

	case len(parts) == 3 && parts[0] == "session" && parts[2] == "message" && r.Method == http.MethodGet:
		msgs, ok := a.messages[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, toWire(msgs))

	case len(parts) == 3 && parts[0] == "session" && parts[2] == "prompt_async" && r.Method == http.MethodPost:
		if _, ok := a.messages[parts[1]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Parts {
			a.prompts[parts[1]] = append(a.prompts[parts[1]], p.Text)
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func toWire(msgs []domain.Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]interface{}{
			"info": map[string]interface{}{
				"id":        m.ID,
				"role":      m.Role,
				"sessionID": m.SessionID,
				"time":      map[string]int64{"created": m.CreatedAt.UnixMilli()},
			},
			"parts": m.Parts,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
