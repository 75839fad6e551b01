package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

func drain(t *testing.T, ch <-chan llm.Chunk) (string, *llm.Usage, error) {
	t.Helper()
	var b strings.Builder
	var usage *llm.Usage
	var err error
	for c := range ch {
		b.WriteString(c.Text)
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Err != nil {
			err = c.Err
		}
	}
	return b.String(), usage, err
}

func TestStreamParsesDeltasAndUsage(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hello", " there", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":3,\"total_tokens\":15}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := NewAdapter(Config{APIKey: "sk-test", Model: "gpt-test", BaseURL: srv.URL})
	ch, err := a.Stream(context.Background(), llm.Context{
		System:   "be brief",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, usage, err := drain(t, ch)
	if err != nil {
		t.Fatalf("chunk error: %v", err)
	}
	if text != "Hello there!" {
		t.Fatalf("unexpected text %q", text)
	}
	if usage == nil || usage.PromptTokens != 12 || usage.CompletionTokens != 3 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if got.Model != "gpt-test" || !got.Stream || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestStreamRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewAdapter(Config{BaseURL: srv.URL}).Stream(context.Background(), llm.Context{})
	if !resilience.IsRateLimit(err) || !errorsx.HasReason(err, errorsx.ReasonLLMRateLimit) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestStreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewAdapter(Config{BaseURL: srv.URL}).Stream(context.Background(), llm.Context{})
	if !errorsx.HasReason(err, errorsx.ReasonLLMGenerate) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected generate error, got %v", err)
	}
}
