// Package judge asks a language model whether a candidate that passed the
// heuristic scorer is really worth acting on. Judges return errors as is;
// the caller applies its own timeout and treats any failure as "not relevant".
package judge

import (
	"context"

	"github.com/kalambet/scoutd/internal/domain"
)

// Request is one candidate to judge against a profile's criteria.
type Request struct {
	ProfileID string
	Criteria  string
	Candidate domain.Candidate
	Score     float64
}

// Verdict is the model's decision.
type Verdict struct {
	Relevant   bool    `json:"relevant"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Judge decides whether a candidate is relevant.
type Judge interface {
	Judge(ctx context.Context, req Request) (Verdict, error)
}

// Func adapts a plain function to Judge.
type Func func(ctx context.Context, req Request) (Verdict, error)

func (f Func) Judge(ctx context.Context, req Request) (Verdict, error) { return f(ctx, req) }
