package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/proxy"
)

// ErrNoKey is returned when every API key is cooling down.
var ErrNoKey = errors.New("no api key available")

// Completer is the interface for OpenRouter chat completions.
type Completer interface {
	Complete(ctx context.Context, apiKey string, req proxy.ChatRequest) (proxy.ChatResponse, error)
}

// OpenRouterJudge runs the verdict on a hosted model, leasing one API key
// from the key pool per call.
type OpenRouterJudge struct {
	client Completer
	keys   *pool.Pool[domain.APIKey]
	model  string
	logger *slog.Logger
}

func NewOpenRouterJudge(client Completer, keys *pool.Pool[domain.APIKey], model string, logger *slog.Logger) *OpenRouterJudge {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenRouterJudge{client: client, keys: keys, model: model, logger: logger.With("component", "judge")}
}

func (j *OpenRouterJudge) Judge(ctx context.Context, req Request) (Verdict, error) {
	lease, err := j.keys.AcquireNext(ctx)
	if err != nil {
		if errors.Is(err, pool.ErrNotAvailable) {
			return Verdict{}, ErrNoKey
		}
		return Verdict{}, fmt.Errorf("leasing api key: %w", err)
	}

	system, user := BuildPrompt(req)
	zero := 0.0
	resp, callErr := j.client.Complete(ctx, lease.Credential.Key, proxy.ChatRequest{
		Model: j.model,
		Messages: []proxy.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: &zero,
		MaxTokens:   200,
		ResponseFormat: &proxy.ResponseFormat{
			Type: "json_schema",
			JSONSchema: &proxy.JSONSchema{
				Name:   "verdict",
				Strict: true,
				Schema: json.RawMessage(verdictSchemaJSON),
			},
		},
	})

	if err := j.keys.MarkUsed(lease); err != nil {
		j.logger.Warn("marking api key used", "resource_id", lease.ID, "error", err)
	}
	if callErr != nil {
		class, err := j.keys.MarkError(lease, callErr)
		if err != nil {
			j.logger.Warn("recording api key error", "resource_id", lease.ID, "error", err)
		}
		j.logger.Debug("openrouter judge failed", "resource_id", lease.ID, "class", class, "error", callErr)
		return Verdict{}, fmt.Errorf("openrouter judge: %w", callErr)
	}
	if err := j.keys.Release(ctx, lease); err != nil {
		j.logger.Warn("releasing api key", "resource_id", lease.ID, "error", err)
	}

	return ParseVerdict(resp.Content())
}
