package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

const (
	versionTimeout = 3 * time.Second
	warmTimeout  = 30 * time.Second
)

// EnsureModel fails when Ollama is unreachable, pulls model when it is
// missing, then loads it with a throwaway chat so the first verdict of a
// cycle does not run into the judge timeout. Progress goes to w.
func EnsureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	pctx, cancel := context.WithTimeout(ctx, versionTimeout)
	version, err := c.Version(pctx)
	cancel()
	if err != nil {
		return fmt.Errorf("ollama is not reachable at %s (start it with: ollama serve): %w", c.BaseURL(), err)
	}
	fmt.Fprintf(w, "ollama %s at %s\n", version, c.BaseURL())

	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	if !hasModel(models, model) {
		fmt.Fprintf(w, "model %s: pulling\n", model)
		if err := c.PullModel(ctx, model, progressPrinter(w)); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	}

	wctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()
	if _, err := c.Chat(wctx, model, []Message{{Role: "user", Content: "ping"}}, nil); err != nil {
		// The judge fails closed, so a cold model only costs rejected
		// candidates until it loads.
		fmt.Fprintf(w, "model %s: warm-up failed: %v\n", model, err)
		return nil
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}

// progressPrinter writes a line when the pull status changes or a layer
// crosses another 25%.
func progressPrinter(w io.Writer) func(PullProgress) {
	var lastStatus string
	lastStep := -1
	return func(p PullProgress) {
		step := -1
		if pct := p.Percent(); pct >= 0 {
			step = pct / 25
		}
		if p.Status == lastStatus && step == lastStep {
			return
		}
		lastStatus, lastStep = p.Status, step
		if step >= 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, p.Percent())
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	}
}
