package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/scoutd/internal/pool"
)

func testRequest() ChatRequest {
	return ChatRequest{
		Model:    "meta-llama/llama-3.1-8b-instruct",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
}

func TestComplete(t *testing.T) {
	var captured ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	resp, err := c.Complete(context.Background(), "test-key", testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := resp.Content(); got != "Hello!" {
		t.Errorf("Content = %q, want %q", got, "Hello!")
	}
	if captured.Model != "meta-llama/llama-3.1-8b-instruct" || len(captured.Messages) != 1 {
		t.Errorf("server saw %+v", captured)
	}
}

func TestComplete_ResponseFormat(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	zero := 0.0
	req := testRequest()
	req.Temperature = &zero
	req.ResponseFormat = &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: &JSONSchema{Name: "verdict", Strict: true, Schema: json.RawMessage(`{"type":"object"}`)},
	}

	resp, err := NewClientWithBaseURL(srv.URL).Complete(context.Background(), "k", req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content() != "" {
		t.Errorf("Content of empty choices = %q", resp.Content())
	}
	if string(raw["temperature"]) != "0" {
		t.Errorf("temperature = %s, want 0", raw["temperature"])
	}
	if _, ok := raw["response_format"]; !ok {
		t.Error("response_format missing from request body")
	}
}

func TestComplete_AuthHeaderPerCall(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(srv.URL)
	for _, key := range []string{"key-a", "key-b"} {
		if _, err := c.Complete(context.Background(), key, testRequest()); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	want := []string{"Bearer key-a", "Bearer key-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d Authorization = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestComplete_RateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL(srv.URL).Complete(context.Background(), "k", testRequest())

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if rl.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", rl.RetryAfter)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no internal retry)", calls)
	}
	if pool.Classify(err) != pool.RateLimited || pool.RetryHint(err) != 30*time.Second {
		t.Errorf("Classify = %v, RetryHint = %v", pool.Classify(err), pool.RetryHint(err))
	}
}

func TestComplete_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   pool.ErrorClass
	}{
		{http.StatusUnauthorized, pool.InvalidCredential},
		{http.StatusPaymentRequired, pool.InvalidCredential},
		{http.StatusForbidden, pool.InvalidCredential},
		{http.StatusInternalServerError, pool.Transient},
		{http.StatusBadGateway, pool.Transient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewClientWithBaseURL(srv.URL).Complete(context.Background(), "k", testRequest())
			var se *StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Fatalf("err = %v, want *StatusError %d", err, tt.status)
			}
			if got := pool.Classify(err); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComplete_ContextCancellation(t *testing.T) {
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-handlerDone
	}))
	defer srv.Close()
	defer close(handlerDone)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := NewClientWithBaseURL(srv.URL).Complete(ctx, "k", testRequest())
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after context deadline")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Complete did not return promptly after context cancellation")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		list := ModelList{
			Object: "list",
			Data: []Model{
				{ID: "meta-llama/llama-3.1-8b-instruct", Object: "model"},
				{ID: "openai/gpt-4o-mini", Object: "model"},
			},
		}
		json.NewEncoder(w).Encode(list)
	}))
	defer srv.Close()

	models, err := NewClientWithBaseURL(srv.URL).ListModels(context.Background(), "k")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	want := []string{"meta-llama/llama-3.1-8b-instruct", "openai/gpt-4o-mini"}
	if len(models) != len(want) {
		t.Fatalf("got %d models, want %d", len(models), len(want))
	}
	for i, w := range want {
		if models[i].ID != w {
			t.Errorf("models[%d].ID = %q, want %q", i, models[i].ID, w)
		}
	}
}

func TestListModels_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ModelList{Object: "list", Data: nil})
	}))
	defer srv.Close()

	models, err := NewClientWithBaseURL(srv.URL).ListModels(context.Background(), "k")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 0 {
		t.Errorf("got %d models, want 0", len(models))
	}
}
