package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/chronicle/internal/command"
	ctxasm "github.com/nidhogg/chronicle/internal/context"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/provider"
	"github.com/nidhogg/chronicle/internal/session"
	"go.uber.org/zap"
)

// newTestServer wires a Handler over an in-memory registry.
func newTestServer(t *testing.T, gen session.Generator) (*session.Registry, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	reg := session.NewRegistry(session.DefaultConfig(), nil, logger)
	cmds := command.NewRegistry()
	command.RegisterBuiltins(cmds)
	h := NewHandler(reg, gen, provider.NewRouter(logger), cmds, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return reg, ts
}

func echoGenerator(reply string) session.Generator {
	return session.GeneratorFunc(func(ctx context.Context, p *ctxasm.Payload) (session.Generation, error) {
		return session.Generation{Text: reply}, nil
	})
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func putJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest("PUT", ts.URL+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, 200)
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	reg, ts := newTestServer(t, nil)

	resp := postJSON(t, ts, "/api/sessions/harbor", nil)
	expectStatus(t, resp, 201)
	var st session.Stats
	decodeJSON(t, resp, &st)
	if st.ID != "harbor" {
		t.Errorf("expected id harbor, got %q", st.ID)
	}

	// Second init returns the live session.
	resp = postJSON(t, ts, "/api/sessions/harbor", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/sessions")
	var list map[string][]string
	decodeJSON(t, resp, &list)
	if len(list["live"]) != 1 || list["live"][0] != "harbor" {
		t.Errorf("expected live [harbor], got %v", list["live"])
	}

	resp = postJSON(t, ts, "/api/sessions/harbor/save", nil)
	expectStatus(t, resp, 200)
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/sessions/harbor")
	expectStatus(t, resp, 204)
	resp.Body.Close()
	if _, ok := reg.Get("harbor"); ok {
		t.Error("session still live after delete")
	}

	resp = getJSON(t, ts, "/api/sessions/harbor")
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/sessions/harbor")
	expectStatus(t, resp, 404)
	resp.Body.Close()
}

func TestMessagesAndLog(t *testing.T) {
	_, ts := newTestServer(t, nil)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()

	resp := postJSON(t, ts, "/api/sessions/s1/messages", map[string]any{
		"content":      "Mira hides the ledger under the floorboards.",
		"participants": []string{"Mira"},
		"retain":       true,
	})
	expectStatus(t, resp, 201)
	var entry memory.MessageEntry
	decodeJSON(t, resp, &entry)
	if entry.Role != "user" {
		t.Errorf("expected default role user, got %q", entry.Role)
	}
	if entry.MemoryID == "" {
		t.Error("retained entry was not promoted to memory")
	}

	resp = postJSON(t, ts, "/api/sessions/s1/messages", map[string]any{"content": ""})
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/sessions/s1/messages", map[string]any{"content": "x", "importance": 2})
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/sessions/s1/log")
	var log []memory.MessageEntry
	decodeJSON(t, resp, &log)
	if len(log) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(log))
	}

	resp = getJSON(t, ts, "/api/sessions/s1/memories/"+entry.MemoryID)
	expectStatus(t, resp, 200)
	var rec memory.Record
	decodeJSON(t, resp, &rec)
	if rec.Content != entry.Content {
		t.Errorf("memory content = %q", rec.Content)
	}
}

func TestTurn(t *testing.T) {
	_, ts := newTestServer(t, echoGenerator("The lantern gutters out."))
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()

	resp := postJSON(t, ts, "/api/sessions/s1/turns", map[string]any{"content": "Mira looks around."})
	expectStatus(t, resp, 200)
	var tr turnResponse
	decodeJSON(t, resp, &tr)
	if tr.Reply.Content != "The lantern gutters out." || tr.Reply.Role != "assistant" {
		t.Errorf("unexpected reply %+v", tr.Reply)
	}
	if tr.Tokens <= 0 || tr.Budget != 902500 {
		t.Errorf("unexpected context stats: tokens=%d budget=%d", tr.Tokens, tr.Budget)
	}
}

func TestTurnErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()
	resp := postJSON(t, ts, "/api/sessions/s1/turns", map[string]any{"content": "hello"})
	expectStatus(t, resp, 503)
	resp.Body.Close()

	failing := session.GeneratorFunc(func(ctx context.Context, p *ctxasm.Payload) (session.Generation, error) {
		return session.Generation{}, errors.New("upstream down")
	})
	_, ts = newTestServer(t, failing)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()
	resp = postJSON(t, ts, "/api/sessions/s1/turns", map[string]any{"content": "hello"})
	expectStatus(t, resp, 502)
	resp.Body.Close()
}

func TestMemoriesFilter(t *testing.T) {
	_, ts := newTestServer(t, nil)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()

	for _, m := range []map[string]any{
		{"content": "Mira owes the harbormaster money.", "participants": []string{"Mira"}, "importance": 0.8, "tags": []string{"debt"}},
		{"content": "Tom fears the lighthouse.", "participants": []string{"Tom"}, "importance": 0.6},
		{"content": "The fog never lifts in winter.", "importance": 0.5},
	} {
		resp := postJSON(t, ts, "/api/sessions/s1/memories", m)
		expectStatus(t, resp, 201)
		resp.Body.Close()
	}

	var recs []memory.Record
	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1/memories?participant=Mira"), &recs)
	if len(recs) != 2 {
		t.Fatalf("expected Mira's memory plus the global one, got %d", len(recs))
	}
	if recs[0].Participants[0] != "Mira" {
		t.Errorf("expected highest importance first, got %q", recs[0].Content)
	}

	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1/memories?participant=Mira&exclude_global=true"), &recs)
	if len(recs) != 1 {
		t.Errorf("expected 1 memory without globals, got %d", len(recs))
	}

	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1/memories?tag=debt"), &recs)
	if len(recs) != 1 {
		t.Errorf("expected 1 tagged memory, got %d", len(recs))
	}

	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1/memories?min_importance=0.7"), &recs)
	if len(recs) != 1 {
		t.Errorf("expected 1 memory above 0.7, got %d", len(recs))
	}

	resp := getJSON(t, ts, "/api/sessions/s1/memories?kind=weird")
	expectStatus(t, resp, 400)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/sessions/s1/memories/missing")
	expectStatus(t, resp, 404)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/sessions/s1/memories", map[string]any{"content": "   ", "importance": 0.5})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}

func TestWorldAndCharacter(t *testing.T) {
	_, ts := newTestServer(t, nil)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()

	resp := putJSON(t, ts, "/api/sessions/s1/world", map[string]any{
		"world_state":      "Night, low tide.",
		"participants":     []string{"Mira"},
		"character_sheets": map[string]string{"Mira": "A smuggler with a debt."},
	})
	expectStatus(t, resp, 200)
	var st session.Stats
	decodeJSON(t, resp, &st)
	if len(st.Participants) != 1 || st.Participants[0] != "Mira" {
		t.Errorf("participants = %v", st.Participants)
	}

	var view session.CharacterView
	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1/characters/Mira"), &view)
	if !view.Active || view.Sheet != "A smuggler with a debt." {
		t.Errorf("unexpected character view %+v", view)
	}

	var cr contextResponse
	decodeJSON(t, getJSON(t, ts, "/api/sessions/s1/context?full=true"), &cr)
	if cr.Budget != 902500 {
		t.Errorf("budget = %d", cr.Budget)
	}
	found := false
	for _, seg := range cr.Segments {
		if seg.Name == ctxasm.SegmentWorldState {
			found = true
		}
	}
	if !found {
		t.Errorf("world state segment missing from %+v", cr.Segments)
	}
	if !bytes.Contains([]byte(cr.Text), []byte("Night, low tide.")) {
		t.Error("full context text does not include the world state")
	}
}

func TestCompactWithoutCompactor(t *testing.T) {
	_, ts := newTestServer(t, nil)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()

	resp := postJSON(t, ts, "/api/sessions/s1/compact", nil)
	expectStatus(t, resp, 503)
	resp.Body.Close()
}

func TestCommands(t *testing.T) {
	_, ts := newTestServer(t, nil)
	postJSON(t, ts, "/api/sessions/s1", nil).Body.Close()

	resp := postJSON(t, ts, "/api/sessions/s1/commands", map[string]string{"input": "/participants Mira"})
	expectStatus(t, resp, 200)
	var out struct {
		Command bool           `json:"command"`
		Result  command.Result `json:"result"`
	}
	decodeJSON(t, resp, &out)
	if !out.Command || out.Result.Content != "Active: Mira" {
		t.Errorf("unexpected command result %+v", out)
	}

	// Slash input on the turn endpoint runs the command without a generator.
	resp = postJSON(t, ts, "/api/sessions/s1/turns", map[string]any{"content": "/world Dawn breaks."})
	expectStatus(t, resp, 200)
	decodeJSON(t, resp, &out)
	if out.Result.Content != "World state updated." {
		t.Errorf("turn command result = %q", out.Result.Content)
	}

	resp = postJSON(t, ts, "/api/sessions/s1/commands", map[string]string{"input": "hello"})
	expectStatus(t, resp, 400)
	resp.Body.Close()
}
