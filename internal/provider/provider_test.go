// ABOUTME: Tests for provider factories against a fake OpenAI-compatible endpoint.
// ABOUTME: Verifies request shape, key handling and response parsing.

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakeChatServer(t *testing.T, reply string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if seen != nil {
			json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gemini-2.0-flash",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
}

func TestOpenAICompatibleGenerate(t *testing.T) {
	var body map[string]any
	srv := fakeChatServer(t, "Die Netzentgelte steigen.", &body)
	defer srv.Close()

	f, err := NewOpenAICompatible(Config{Kind: "Gemini", APIKey: "test-key", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewOpenAICompatible() error = %v", err)
	}
	if f.Provider() != KindGemini {
		t.Errorf("Provider() = %q, want gemini", f.Provider())
	}

	model, err := f.GenerativeModel(context.Background(), ModelOptions{SystemPrompt: "Antworte knapp."})
	if err != nil {
		t.Fatalf("GenerativeModel() error = %v", err)
	}
	if model.Name() != "gemini/gemini-2.0-flash" {
		t.Errorf("Name() = %q", model.Name())
	}

	out, err := model.Generate(context.Background(), "Was passiert mit den Netzentgelten?")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != "Die Netzentgelte steigen." {
		t.Errorf("Generate() = %q", out)
	}

	if body["model"] != "gemini-2.0-flash" {
		t.Errorf("request model = %v", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("request carried %d messages, want system + user", len(msgs))
	}
}

func TestOpenAICompatibleEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	f, _ := NewOpenAICompatible(Config{Kind: KindMistral, APIKey: "k", BaseURL: srv.URL})
	model, err := f.GenerativeModel(context.Background(), ModelOptions{Model: "mistral-large-latest"})
	if err != nil {
		t.Fatalf("GenerativeModel() error = %v", err)
	}
	if _, err := model.Generate(context.Background(), "hi"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Generate() error = %v, want ErrEmptyResponse", err)
	}
}

func TestOpenAICompatibleMissingKey(t *testing.T) {
	f, err := NewOpenAICompatible(Config{Kind: KindMistral})
	if err != nil {
		t.Fatalf("NewOpenAICompatible() error = %v", err)
	}
	if _, err := f.GenerativeModel(context.Background(), ModelOptions{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("GenerativeModel() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, err := New(Config{Kind: "llama-local"}); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("New() error = %v, want ErrUnknownProvider", err)
	}

	// A base URL makes any kind usable.
	if _, err := New(Config{Kind: "llama-local", BaseURL: "http://localhost:8080/v1"}); err != nil {
		t.Errorf("New() with base URL error = %v", err)
	}
}

func TestStatic(t *testing.T) {
	f, err := New(Config{Kind: "static"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	model, err := f.GenerativeModel(context.Background(), ModelOptions{})
	if err != nil {
		t.Fatalf("GenerativeModel() error = %v", err)
	}
	if out, _ := model.Generate(context.Background(), "ping"); out != "ok" {
		t.Errorf("Generate() = %q, want ok", out)
	}

	broken := &Static{Err: errors.New("quota revoked")}
	if _, err := broken.GenerativeModel(context.Background(), ModelOptions{}); err == nil {
		t.Error("expected configured error")
	}
}
