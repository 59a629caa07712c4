package reddit

import (
	"context"
	"testing"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"

	"github.com/kalambet/scoutd/internal/domain"
)

func TestAuthenticate_IncompleteCredentials(t *testing.T) {
	p := New(Config{ClientID: "app"}, nil)

	_, err := p.Authenticate(context.Background(), domain.Account{Username: "bot1"})
	pe, ok := domain.AsPlatformError(err)
	if !ok || pe.Kind != domain.ErrAuth {
		t.Fatalf("err = %v, want auth PlatformError", err)
	}
}

func TestToCandidate(t *testing.T) {
	created := time.Date(2025, 2, 28, 9, 30, 0, 0, time.UTC)
	got := toCandidate(&reddit.Post{
		ID:               "abc",
		FullID:           "t3_abc",
		Title:            "Need an invoicing tool",
		Body:             "Any suggestions?",
		SubredditName:    "smallbusiness",
		Author:           "founder42",
		Permalink:        "/r/smallbusiness/comments/abc/",
		Score:            12,
		NumberOfComments: 3,
		IsSelfPost:       true,
		Created:          &reddit.Timestamp{Time: created},
	})

	want := domain.Candidate{
		ID:           "abc",
		FullID:       "t3_abc",
		Title:        "Need an invoicing tool",
		Body:         "Any suggestions?",
		Source:       "smallbusiness",
		Author:       "founder42",
		Permalink:    "/r/smallbusiness/comments/abc/",
		Score:        12,
		CommentCount: 3,
		IsSelf:       true,
		CreatedAt:    created,
	}
	if got != want {
		t.Errorf("toCandidate = %+v, want %+v", got, want)
	}
}

func TestDispatch_Validation(t *testing.T) {
	s := &Session{username: "bot1"}
	_, err := s.Dispatch(context.Background(), domain.Action{Kind: domain.ActionComment, TargetID: "t3_abc"})
	pe, ok := domain.AsPlatformError(err)
	if !ok || pe.Kind != domain.ErrValidation {
		t.Fatalf("err = %v, want validation PlatformError", err)
	}
}

func TestFetchPage_NoSources(t *testing.T) {
	s := &Session{username: "bot1"}
	if _, err := s.FetchPage(context.Background(), nil, "", 25); err == nil {
		t.Fatal("expected error for empty source list")
	}
}
