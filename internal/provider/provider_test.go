package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}

func TestRouterFallsBack(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "a", err: errors.New("rate limited")}
	backup := &stubProvider{id: "b", reply: "ok"}
	r.Register(primary)
	r.Register(backup)

	resp, err := r.Route(context.Background(), PurposeSummarize, &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("got %q, want %q", resp.Content, "ok")
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.calls, backup.calls)
	}
}

func TestRouterBinding(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a := &stubProvider{id: "a", reply: "from a"}
	b := &stubProvider{id: "b", reply: "from b"}
	r.Register(a)
	r.Register(b)
	r.Bind(PurposeGenerate, "b")

	resp, err := r.Route(context.Background(), PurposeGenerate, &ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from b" {
		t.Errorf("got %q, want %q", resp.Content, "from b")
	}
}

func TestRouterEmpty(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Route(context.Background(), PurposeSummarize, &ChatRequest{})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("got %v, want ErrNoProvider", err)
	}
}

func TestOpenAIProviderChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" {
			http.Error(w, "unexpected model "+req.Model, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "a summary"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "local", Endpoint: srv.URL, Model: "test-model"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "summarize"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a summary" {
		t.Errorf("got %q, want %q", resp.Content, "a summary")
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("got %d total tokens, want 13", resp.Usage.TotalTokens)
	}
}
