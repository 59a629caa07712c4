package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeOllama serves the handful of endpoints the client uses and records
// chat requests.
type fakeOllama struct {
	models   []string
	pullBody string
	chatErr  int
	chats    []chatRequest
	pulled   []string
}

func (f *fakeOllama) start(t *testing.T) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"0.6.2"}`))
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		var tags struct {
			Models []map[string]string `json:"models"`
		}
		for _, m := range f.models {
			tags.Models = append(tags.Models, map[string]string{"name": m})
		}
		json.NewEncoder(w).Encode(tags)
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.pulled = append(f.pulled, req.Name)
		f.models = append(f.models, req.Name+":latest")
		w.Write([]byte(f.pullBody))
	})
	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.chats = append(f.chats, req)
		if f.chatErr != 0 {
			http.Error(w, "model is loading", f.chatErr)
			return
		}
		fmt.Fprintf(w, `{"message":{"role":"assistant","content":"echo: %s"}}`, req.Messages[len(req.Messages)-1].Content)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func downClient() *Client {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return New(srv.URL)
}

func TestVersion(t *testing.T) {
	c := (&fakeOllama{}).start(t)
	v, err := c.Version(context.Background())
	if err != nil || v != "0.6.2" {
		t.Errorf("Version() = %q, %v", v, err)
	}
	if _, err := downClient().Version(context.Background()); err == nil {
		t.Error("Version() against a stopped server returned no error")
	}
}

func TestListModels(t *testing.T) {
	c := (&fakeOllama{models: []string{"llama3.2:latest", "qwen2.5:7b"}}).start(t)
	got, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if diff := cmp.Diff([]string{"llama3.2:latest", "qwen2.5:7b"}, got); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}
}

func TestHasModel(t *testing.T) {
	models := []string{"llama3.2:latest", "qwen2.5:7b"}
	tests := []struct {
		name string
		want bool
	}{
		{"llama3.2", true},
		{"llama3.2:latest", true},
		{"qwen2.5", true},
		{"qwen2.5:14b", false},
		{"llama3", false},
		{"mistral", false},
	}
	for _, tt := range tests {
		if got := hasModel(models, tt.name); got != tt.want {
			t.Errorf("hasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestChat(t *testing.T) {
	f := &fakeOllama{}
	c := f.start(t)

	got, err := c.Chat(context.Background(), "llama3.2", []Message{{Role: "system", Content: "judge"}, {Role: "user", Content: "hi"}}, nil)
	if err != nil || got != "echo: hi" {
		t.Fatalf("Chat() = %q, %v", got, err)
	}
	req := f.chats[0]
	if req.Model != "llama3.2" || req.Stream || req.KeepAlive != KeepAlive {
		t.Errorf("request = %+v", req)
	}
	if req.Format != nil || req.Options != nil {
		t.Errorf("plain chat sent format %v options %v", req.Format, req.Options)
	}
}

func TestChat_SchemaPinsTemperature(t *testing.T) {
	f := &fakeOllama{}
	c := f.start(t)
	schema := &Schema{
		Type:       "object",
		Properties: map[string]SchemaProperty{"relevant": {Type: "boolean"}},
		Required:   []string{"relevant"},
	}

	if _, err := c.Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "x"}}, schema); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	req := f.chats[0]
	format, _ := json.Marshal(req.Format)
	if !strings.Contains(string(format), `"required":["relevant"]`) {
		t.Errorf("format = %s", format)
	}
	if req.Options["temperature"] != float64(0) {
		t.Errorf("options = %v", req.Options)
	}
}

func TestChat_StatusError(t *testing.T) {
	c := (&fakeOllama{chatErr: http.StatusServiceUnavailable}).start(t)

	_, err := c.Chat(context.Background(), "llama3.2", []Message{{Role: "user", Content: "x"}}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Op != "chat" || se.Status != http.StatusServiceUnavailable || se.Body != "model is loading" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestPullModel_Progress(t *testing.T) {
	f := &fakeOllama{pullBody: `{"status":"pulling manifest"}
{"status":"downloading","total":200,"completed":50}
{"status":"success"}
`}
	c := f.start(t)

	var got []PullProgress
	if err := c.PullModel(context.Background(), "llama3.2", func(p PullProgress) { got = append(got, p) }); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	want := []PullProgress{
		{Status: "pulling manifest"},
		{Status: "downloading", Total: 200, Completed: 50},
		{Status: "success"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
	if got[1].Percent() != 25 || got[0].Percent() != -1 {
		t.Errorf("percents = %d, %d", got[1].Percent(), got[0].Percent())
	}
}

func TestEnsureModel_Down(t *testing.T) {
	var out bytes.Buffer
	err := EnsureModel(context.Background(), downClient(), "llama3.2", &out)
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("err = %v, want a not reachable error", err)
	}
}

func TestEnsureModel_PullsMissingModel(t *testing.T) {
	f := &fakeOllama{pullBody: `{"status":"downloading","total":100,"completed":10}
{"status":"downloading","total":100,"completed":20}
{"status":"downloading","total":100,"completed":60}
{"status":"success"}
`}
	c := f.start(t)

	var out bytes.Buffer
	if err := EnsureModel(context.Background(), c, "llama3.2", &out); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if diff := cmp.Diff([]string{"llama3.2"}, f.pulled); diff != "" {
		t.Errorf("pulled (-want +got):\n%s", diff)
	}
	want := "ollama 0.6.2 at " + c.BaseURL() + "\n" +
		"model llama3.2: pulling\n" +
		"  downloading 10%\n" +
		"  downloading 60%\n" +
		"  success\n" +
		"model llama3.2: ready\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	if len(f.chats) != 1 {
		t.Errorf("warm-up chats = %d, want 1", len(f.chats))
	}
}

func TestEnsureModel_WarmUpFailureIsNotFatal(t *testing.T) {
	f := &fakeOllama{models: []string{"llama3.2:latest"}, chatErr: http.StatusInternalServerError}
	c := f.start(t)

	var out bytes.Buffer
	if err := EnsureModel(context.Background(), c, "llama3.2", &out); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if len(f.pulled) != 0 {
		t.Errorf("pulled %v for a present model", f.pulled)
	}
	if !strings.Contains(out.String(), "warm-up failed") {
		t.Errorf("output = %q", out.String())
	}
}
