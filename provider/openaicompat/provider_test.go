package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/colloquy-ai/colloquy"
)

func TestProviderChat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Content: "hello"}}},
			Usage:   &Usage{PromptTokens: 3, CompletionTokens: 1},
		})
	}))
	defer srv.Close()

	p := NewProvider("sk-test", "test-model", srv.URL)
	resp, err := p.Chat(context.Background(), colloquy.ChatRequest{
		Messages: []colloquy.ChatMessage{colloquy.UserMessage("hi")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if got.Model != "test-model" || len(got.Messages) != 1 {
		t.Errorf("request body = %+v", got)
	}
}

func TestProviderChatWithTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "lookup" {
			t.Errorf("tools = %+v", req.Tools)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{
				ToolCalls: []ToolCallRequest{{ID: "c1", Function: FunctionCall{Name: "lookup", Arguments: `{}`}}},
			}}},
		})
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL)
	resp, err := p.ChatWithTools(context.Background(), colloquy.ChatRequest{}, []colloquy.ToolDefinition{
		{Name: "lookup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
}

func TestProviderRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := NewProvider("", "m", srv.URL, WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("Name() = %q", p.Name())
	}
	_, err := p.Chat(context.Background(), colloquy.ChatRequest{})
	var httpErr *colloquy.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %T, want *colloquy.ErrHTTP", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 7 || httpErr.Body != "rate limited" {
		t.Errorf("err = %+v", httpErr)
	}
}

func TestProviderBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewProvider("", "m", srv.URL).Chat(context.Background(), colloquy.ChatRequest{})
	var llmErr *colloquy.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %T, want *colloquy.ErrLLM", err)
	}
}

func TestEmbeddingProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req EmbeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 {
			t.Errorf("input = %v", req.Input)
		}
		// Out of order on purpose; the client must sort by index.
		json.NewEncoder(w).Encode(EmbeddingResponse{Data: []EmbeddingData{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		}})
	}))
	defer srv.Close()

	p := NewEmbedding("", "embed-model", srv.URL, WithDimensions(2))
	if p.Dimensions() != 2 {
		t.Errorf("Dimensions() = %d", p.Dimensions())
	}
	vectors, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vectors) != 2 || vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("vectors = %v", vectors)
	}
}

func TestEmbeddingProviderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmbeddingResponse{Data: []EmbeddingData{{Index: 0, Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	_, err := NewEmbedding("", "m", srv.URL).Embed(context.Background(), []string{"a", "b"})
	var llmErr *colloquy.ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("err = %T, want *colloquy.ErrLLM", err)
	}
}
