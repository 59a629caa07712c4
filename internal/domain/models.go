// Package domain holds the platform-facing types shared by the scan engine
// and its collaborators.
package domain

import (
	"context"
	"time"
)

// Resource kinds stored in the resources table.
const (
	KindAccount = "account"
	KindAPIKey  = "api_key"
)

// Account is the credential payload of a managed platform identity.
type Account struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// APIKey is the credential payload of a third-party API key.
type APIKey struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

// Candidate is a content item fetched from the feed.
type Candidate struct {
	ID           string    `json:"id"`
	FullID       string    `json:"full_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Source       string    `json:"source"`
	Author       string    `json:"author"`
	URL          string    `json:"url,omitempty"`
	Permalink    string    `json:"permalink,omitempty"`
	Score        int       `json:"score"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
	IsSelf       bool      `json:"is_self"`
	Locked       bool      `json:"locked"`
}

// Text is the title and body joined for matching.
func (c Candidate) Text() string {
	if c.Body == "" {
		return c.Title
	}
	return c.Title + "\n" + c.Body
}

// Valid reports whether the item can be considered at all. Removed posts and
// posts by deleted authors are dropped before filtering.
func (c Candidate) Valid() bool {
	if c.ID == "" || c.Title == "" {
		return false
	}
	switch c.Author {
	case "", "[deleted]", "[removed]":
		return false
	}
	switch c.Body {
	case "[deleted]", "[removed]":
		return false
	}
	return true
}

// Page is one feed page and the token of the next one. An empty After means
// the feed is exhausted.
type Page struct {
	Candidates []Candidate
	After      string
}

// ActionKind is the write a dispatch performs.
type ActionKind string

const (
	ActionComment ActionKind = "comment"
	ActionMessage ActionKind = "message"
)

// Action is one outbound write against a candidate.
type Action struct {
	Kind      ActionKind
	TargetID  string // full id of the post for comments
	Recipient string // username for messages
	Subject   string
	Text      string
}

// DispatchResult identifies the created comment or message.
type DispatchResult struct {
	Ref string
}

// Platform authenticates managed accounts.
type Platform interface {
	Authenticate(ctx context.Context, acc Account) (Session, error)
}

// Session is an authenticated platform client bound to one account.
type Session interface {
	Username() string
	FetchPage(ctx context.Context, sources []string, after string, limit int) (Page, error)
	Dispatch(ctx context.Context, a Action) (DispatchResult, error)
}
