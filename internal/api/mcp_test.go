package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/scan"
	"github.com/kalambet/scoutd/internal/schedule"
	"github.com/kalambet/scoutd/internal/storage"
)

func newTestMCPDeps(t *testing.T, runner *fakeRunner) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:    store,
		Profiles: profile.NewManager(store),
		Runner:   runner,
		Pools: []PoolStatus{
			fakePool{st: pool.Status{Kind: "account", Total: 2, Eligible: 1}},
			fakePool{st: pool.Status{Kind: "api_key", Total: 4, Eligible: 4}},
		},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeRunner{})
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPRunScan(t *testing.T) {
	var gotID string
	runner := &fakeRunner{runFn: func(_ context.Context, id string) (scan.Result, error) {
		gotID = id
		return scan.Result{ProfileID: id, Processed: 4, Dispatched: 1, IntervalReached: true, ShouldContinue: true}, nil
	}}
	deps, _ := newTestMCPDeps(t, runner)

	result, err := mcpRunScan(deps)(context.Background(), makeCallToolRequest("run_scan", map[string]interface{}{
		"profile_id": "p1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if gotID != "p1" {
		t.Errorf("runner got %q, want p1", gotID)
	}

	var res scan.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if res.Processed != 4 || !res.IntervalReached {
		t.Errorf("result = %+v", res)
	}
}

func TestMCPRunScan_MissingProfileID(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeRunner{})
	result, _ := mcpRunScan(deps)(context.Background(), makeCallToolRequest("run_scan", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error result for missing profile_id")
	}
}

func TestMCPRunScan_Failures(t *testing.T) {
	tests := []struct {
		name     string
		res      scan.Result
		err      error
		contains string
	}{
		{"busy", scan.Result{}, schedule.ErrBusy, "already running"},
		{"too soon", scan.Result{}, scan.ErrTooSoon, "interval"},
		{"not found", scan.Result{}, storage.ErrNotFound, "not found"},
		{"other", scan.Result{}, errors.New("boom"), "boom"},
		{"auth failure", scan.Result{Reason: scan.AuthFailure, Detail: "bad password"}, nil, "auth_failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{runFn: func(context.Context, string) (scan.Result, error) {
				return tt.res, tt.err
			}}
			deps, _ := newTestMCPDeps(t, runner)
			result, err := mcpRunScan(deps)(context.Background(), makeCallToolRequest("run_scan", map[string]interface{}{
				"profile_id": "p1",
			}))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Error("expected error result")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.contains) {
				t.Errorf("text = %q, want it to contain %q", text, tt.contains)
			}
		})
	}
}

func TestMCPRunScan_RetryableIsNotError(t *testing.T) {
	runner := &fakeRunner{runFn: func(_ context.Context, id string) (scan.Result, error) {
		return scan.Result{ProfileID: id, Reason: scan.RateLimited, Retryable: true}, nil
	}}
	deps, _ := newTestMCPDeps(t, runner)
	result, _ := mcpRunScan(deps)(context.Background(), makeCallToolRequest("run_scan", map[string]interface{}{
		"profile_id": "p1",
	}))
	if result.IsError {
		t.Errorf("retryable outcome reported as error: %s", toolText(t, result))
	}
}

func TestMCPPoolStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeRunner{})
	handler := mcpPoolStatus(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("pool_status", map[string]interface{}{}))
	var all []pool.Status
	if err := json.Unmarshal([]byte(toolText(t, result)), &all); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d pools, want 2", len(all))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("pool_status", map[string]interface{}{"kind": "api_key"}))
	var keys []pool.Status
	json.Unmarshal([]byte(toolText(t, result)), &keys)
	if len(keys) != 1 || keys[0].Eligible != 4 {
		t.Errorf("api_key pools = %+v", keys)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("pool_status", map[string]interface{}{"kind": "proxy"}))
	if !result.IsError {
		t.Error("expected error for unknown kind")
	}
}

func TestMCPPoolStatus_Error(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeRunner{})
	deps.Pools = []PoolStatus{fakePool{err: errors.New("db locked")}}
	result, _ := mcpPoolStatus(deps)(context.Background(), makeCallToolRequest("pool_status", nil))
	if !result.IsError {
		t.Error("expected error result")
	}
}

func TestMCPListActions(t *testing.T) {
	deps, store := newTestMCPDeps(t, &fakeRunner{})
	handler := mcpListActions(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("list_actions", map[string]interface{}{}))
	if text := toolText(t, result); text != "No actions recorded." {
		t.Errorf("empty text = %q", text)
	}

	store.InsertActionRecord(storage.ActionRecord{ID: "r1", ProfileID: "p1", CandidateID: "c1", Outcome: storage.OutcomeDispatched, ActionRef: "t1_abc"})
	store.InsertActionRecord(storage.ActionRecord{ID: "r2", ProfileID: "p2", CandidateID: "c1", Outcome: storage.OutcomeSkipped})

	result, _ = handler(context.Background(), makeCallToolRequest("list_actions", map[string]interface{}{
		"profile_id": "p1",
		"limit":      float64(5),
	}))
	var got []ActionView
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(got) != 1 || got[0].ActionRef != "t1_abc" {
		t.Errorf("actions = %+v", got)
	}
}

func TestMCPResourceProfiles(t *testing.T) {
	deps, store := newTestMCPDeps(t, &fakeRunner{})
	seedProfile(t, store, "p1")

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "scoutd://profiles"}}
	contents, err := mcpResourceProfiles(deps)(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var ps []profile.Profile
	if err := json.Unmarshal([]byte(tc.Text), &ps); err != nil {
		t.Fatalf("failed to parse profiles JSON: %v", err)
	}
	if len(ps) != 1 || ps[0].ID != "p1" {
		t.Errorf("profiles = %+v", ps)
	}
}
