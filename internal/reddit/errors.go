package reddit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"
	"golang.org/x/oauth2"

	"github.com/kalambet/scoutd/internal/domain"
)

// API error labels that describe the target rather than the account.
var domainLabels = map[string]string{
	"THREAD_LOCKED":                   domain.TagLocked,
	"TOO_OLD":                         domain.TagArchived,
	"DELETED_LINK":                    domain.TagDeleted,
	"DELETED_COMMENT":                 domain.TagDeleted,
	"USER_BLOCKED":                    domain.TagBlocked,
	"NOT_WHITELISTED_BY_USER_MESSAGE": domain.TagBlocked,
	"SUBREDDIT_NOTALLOWED":            domain.TagBlocked,
}

var tryAgainIn = regexp.MustCompile(`(\d+)\s+(second|minute)`)

// classify converts a go-reddit or transport error into a
// *domain.PlatformError. Context errors pass through unchanged.
func classify(err error, now time.Time) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsPlatformError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyTokenError(retrieveErr, err)
	}

	var rateErr *reddit.RateLimitError
	if errors.As(err, &rateErr) {
		pe := &domain.PlatformError{Kind: domain.ErrRateLimited, Status: http.StatusTooManyRequests, Err: err}
		if reset := rateErr.Rate.Reset; reset.After(now) {
			pe.RetryAfter = reset.Sub(now)
		}
		return pe
	}

	var jsonErr *reddit.JSONErrorResponse
	if errors.As(err, &jsonErr) {
		return classifyAPIErrors(jsonErr.JSON.Errors, err)
	}

	var respErr *reddit.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		pe := &domain.PlatformError{Kind: domain.KindFromStatus(status), Status: status, Err: err}
		if pe.Kind == domain.ErrRateLimited {
			pe.RetryAfter = parseRetryAfter(respErr.Response.Header.Get("Retry-After"))
		}
		return pe
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &domain.PlatformError{Kind: domain.ErrNetwork, Err: err}
	}
	return &domain.PlatformError{Kind: domain.ErrServer, Err: err}
}

// classifyTokenError handles failures of the password grant. Reddit answers
// bad credentials with 200 and an "invalid_grant" body, or with 401.
func classifyTokenError(re *oauth2.RetrieveError, err error) error {
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	body := strings.ToLower(string(re.Body))
	switch {
	case strings.Contains(body, "invalid_grant"), status == http.StatusUnauthorized, status == http.StatusBadRequest, status == http.StatusForbidden:
		return &domain.PlatformError{Kind: domain.ErrAuth, Status: status, Err: err}
	case status == http.StatusTooManyRequests:
		pe := &domain.PlatformError{Kind: domain.ErrRateLimited, Status: status, Err: err}
		if re.Response != nil {
			pe.RetryAfter = parseRetryAfter(re.Response.Header.Get("Retry-After"))
		}
		return pe
	case status >= 500:
		return &domain.PlatformError{Kind: domain.ErrServer, Status: status, Err: err}
	default:
		return &domain.PlatformError{Kind: domain.ErrAuth, Status: status, Err: err}
	}
}

func classifyAPIErrors(apiErrs []reddit.APIError, err error) error {
	for _, e := range apiErrs {
		if e.Label == "RATELIMIT" {
			return &domain.PlatformError{
				Kind:       domain.ErrRateLimited,
				Status:     http.StatusTooManyRequests,
				RetryAfter: parseTryAgain(e.Reason),
				Err:        err,
			}
		}
	}
	for _, e := range apiErrs {
		if tag, ok := domainLabels[e.Label]; ok {
			return &domain.PlatformError{Kind: domain.ErrDomain, Tag: tag, Err: err}
		}
		if e.Label == "USER_DOESNT_EXIST" {
			return &domain.PlatformError{Kind: domain.ErrNotFound, Err: err}
		}
	}
	return &domain.PlatformError{Kind: domain.ErrValidation, Err: err}
}

// parseTryAgain reads the delay out of "try again in 9 minutes".
func parseTryAgain(reason string) time.Duration {
	m := tryAgainIn.FindStringSubmatch(strings.ToLower(reason))
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	if m[2] == "minute" {
		return time.Duration(n) * time.Minute
	}
	return time.Duration(n) * time.Second
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
