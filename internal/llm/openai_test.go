package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Fatalf("auth header = %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["model"] != "gpt-test" {
			t.Fatalf("model = %v", body["model"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"content": "hello there"},
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test", srv.URL, "test-key", []Capability{{ID: "gpt-test", Provider: "test", Level: LevelMedium}})
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "gpt-test", GenConfig{})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if resp.Content != "hello there" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("total tokens = %d", resp.Usage.TotalTokens)
	}
	if resp.UsedLevel != LevelMedium {
		t.Fatalf("used level = %v", resp.UsedLevel)
	}
}

func TestOpenAIProviderChatNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test", srv.URL, "k", nil)
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "gpt-test", GenConfig{})
	if err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestOpenAIProviderEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.4, 0.5}},
				{"index": 0, "embedding": []float32{0.1, 0.2}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test", srv.URL, "", nil)
	vecs, err := p.Embed(context.Background(), []string{"a", "b"}, "embed-test")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.4 {
		t.Fatalf("unexpected vectors: %+v", vecs)
	}
}
