package judge

import (
	"context"
	"fmt"

	"github.com/kalambet/scoutd/internal/ollama"
)

// OllamaChatter is the interface for chat completion via Ollama.
type OllamaChatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error)
}

// OllamaJudge runs the verdict on a local model.
type OllamaJudge struct {
	client OllamaChatter
	model  string
}

func NewOllamaJudge(client OllamaChatter, model string) *OllamaJudge {
	return &OllamaJudge{client: client, model: model}
}

func (j *OllamaJudge) Judge(ctx context.Context, req Request) (Verdict, error) {
	system, user := BuildPrompt(req)
	raw, err := j.client.Chat(ctx, j.model, []ollama.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, verdictSchema())
	if err != nil {
		return Verdict{}, fmt.Errorf("ollama judge: %w", err)
	}
	return ParseVerdict(raw)
}

func verdictSchema() *ollama.Schema {
	return &ollama.Schema{
		Type: "object",
		Properties: map[string]ollama.SchemaProperty{
			"relevant":   {Type: "boolean", Description: "Whether the post is a genuine opportunity"},
			"confidence": {Type: "number", Description: "Confidence 0.0-1.0"},
			"reason":     {Type: "string", Description: "One short sentence"},
		},
		Required: []string{"relevant", "confidence", "reason"},
	}
}
