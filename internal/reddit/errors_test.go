package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"
	"golang.org/x/oauth2"

	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/pool"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func jsonErr(labels ...string) error {
	je := &reddit.JSONErrorResponse{}
	for _, l := range labels {
		je.JSON.Errors = append(je.JSON.Errors, reddit.APIError{Label: l, Reason: "try again in 7 minutes."})
	}
	return je
}

func statusErr(status int, header http.Header) error {
	if header == nil {
		header = http.Header{}
	}
	return &reddit.ErrorResponse{Response: &http.Response{StatusCode: status, Header: header}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  domain.ErrorKind
		wantTag   string
		wantRetry time.Duration
		wantClass pool.ErrorClass
	}{
		{
			name:      "rate limit header",
			err:       &reddit.RateLimitError{Rate: reddit.Rate{Reset: now.Add(90 * time.Second)}},
			wantKind:  domain.ErrRateLimited,
			wantRetry: 90 * time.Second,
			wantClass: pool.RateLimited,
		},
		{
			name:      "RATELIMIT label",
			err:       jsonErr("RATELIMIT"),
			wantKind:  domain.ErrRateLimited,
			wantRetry: 7 * time.Minute,
			wantClass: pool.RateLimited,
		},
		{
			name:      "locked thread",
			err:       jsonErr("THREAD_LOCKED"),
			wantKind:  domain.ErrDomain,
			wantTag:   domain.TagLocked,
			wantClass: pool.Transient,
		},
		{
			name:      "blocked recipient",
			err:       jsonErr("NOT_WHITELISTED_BY_USER_MESSAGE"),
			wantKind:  domain.ErrDomain,
			wantTag:   domain.TagBlocked,
			wantClass: pool.Transient,
		},
		{
			name:      "archived",
			err:       jsonErr("TOO_OLD"),
			wantKind:  domain.ErrDomain,
			wantTag:   domain.TagArchived,
			wantClass: pool.Transient,
		},
		{
			name:      "unknown label",
			err:       jsonErr("BAD_TEXT"),
			wantKind:  domain.ErrValidation,
			wantClass: pool.Transient,
		},
		{
			name:      "forbidden",
			err:       statusErr(http.StatusForbidden, nil),
			wantKind:  domain.ErrAuth,
			wantClass: pool.InvalidCredential,
		},
		{
			name:      "429 with Retry-After",
			err:       statusErr(http.StatusTooManyRequests, http.Header{"Retry-After": {"45"}}),
			wantKind:  domain.ErrRateLimited,
			wantRetry: 45 * time.Second,
			wantClass: pool.RateLimited,
		},
		{
			name:      "server error",
			err:       statusErr(http.StatusBadGateway, nil),
			wantKind:  domain.ErrServer,
			wantClass: pool.Transient,
		},
		{
			name:      "invalid grant",
			err:       &url.Error{Op: "Post", URL: "https://www.reddit.com/api/v1/access_token", Err: &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusOK}, Body: []byte(`{"error": "invalid_grant"}`)}},
			wantKind:  domain.ErrAuth,
			wantClass: pool.InvalidCredential,
		},
		{
			name:      "token endpoint down",
			err:       &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
			wantKind:  domain.ErrServer,
			wantClass: pool.Transient,
		},
		{
			name:      "connection refused",
			err:       &url.Error{Op: "Get", URL: "https://oauth.reddit.com", Err: errors.New("connection refused")},
			wantKind:  domain.ErrNetwork,
			wantClass: pool.Transient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err, now)
			pe, ok := domain.AsPlatformError(got)
			if !ok {
				t.Fatalf("classify returned %T, want *domain.PlatformError", got)
			}
			if pe.Kind != tt.wantKind || pe.Tag != tt.wantTag || pe.RetryAfter != tt.wantRetry {
				t.Errorf("got kind=%s tag=%q retry=%v, want kind=%s tag=%q retry=%v",
					pe.Kind, pe.Tag, pe.RetryAfter, tt.wantKind, tt.wantTag, tt.wantRetry)
			}
			if c := pool.Classify(got); c != tt.wantClass {
				t.Errorf("pool class = %v, want %v", c, tt.wantClass)
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error should wrap the original")
			}
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	if classify(nil, now) != nil {
		t.Error("nil should stay nil")
	}
	ctxErr := fmt.Errorf("fetching: %w", context.DeadlineExceeded)
	if got := classify(ctxErr, now); got != ctxErr {
		t.Errorf("context error rewritten to %v", got)
	}
	pe := &domain.PlatformError{Kind: domain.ErrDomain}
	if got := classify(pe, now); got != pe {
		t.Error("platform error should pass through")
	}
}

func TestParseTryAgain(t *testing.T) {
	tests := map[string]time.Duration{
		"you are doing that too much. try again in 9 minutes.": 9 * time.Minute,
		"Try again in 30 seconds.":                             30 * time.Second,
		"try again in 1 minute.":                               time.Minute,
		"slow down":                                            0,
	}
	for in, want := range tests {
		if got := parseTryAgain(in); got != want {
			t.Errorf("parseTryAgain(%q) = %v, want %v", in, got, want)
		}
	}
}
