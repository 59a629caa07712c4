package proxy

import (
	"context"
	"fmt"
	"io"
	"time"
)

const checkTimeout = 10 * time.Second

// CheckModel verifies that model is served by OpenRouter before the judge
// starts sending it candidates. Keys are tried in order until one gets a
// model list. When none does, the check is reported to w and skipped: the
// judge fails closed, and the key pool handles bad keys at call time.
func CheckModel(ctx context.Context, c *Client, keys []string, model string, w io.Writer) error {
	var lastErr error
	for _, key := range keys {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		models, err := c.ListModels(cctx, key)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		for _, m := range models {
			if m.ID == model {
				fmt.Fprintf(w, "openrouter model %s: available\n", model)
				return nil
			}
		}
		return fmt.Errorf("openrouter does not serve model %q (set judge.model to one listed at %s/models)", model, c.baseURL)
	}
	if lastErr != nil {
		fmt.Fprintf(w, "openrouter model %s: not checked: %v\n", model, lastErr)
	}
	return nil
}
