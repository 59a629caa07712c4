// Package reddit implements the feed, dispatch and authentication surfaces
// on the Reddit API.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loganintech/go-reddit/v2/reddit"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/domain"
)

// DefaultRequestInterval spaces requests of one session: 100 requests per
// 10 minutes.
const DefaultRequestInterval = 600 * time.Millisecond

// Config holds the application credentials and endpoints. Accounts may carry
// their own client id and secret, which take precedence.
type Config struct {
	ClientID        string
	ClientSecret    string
	UserAgent       string
	BaseURL         string
	TokenURL        string
	RequestInterval time.Duration
}

// Platform creates authenticated sessions.
type Platform struct {
	cfg    Config
	clock  clock.PassiveClock
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Platform {
	return NewWithClock(cfg, logger, clock.RealClock{})
}

func NewWithClock(cfg Config, logger *slog.Logger, clk clock.PassiveClock) *Platform {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "scoutd/1.0"
	}
	return &Platform{cfg: cfg, clock: clk, logger: logger.With("component", "reddit")}
}

// Authenticate builds a client for acc and verifies the credentials with a
// call to /api/v1/me, since the token itself is fetched lazily.
func (p *Platform) Authenticate(ctx context.Context, acc domain.Account) (domain.Session, error) {
	creds := reddit.Credentials{
		ID:       firstNonEmpty(acc.ClientID, p.cfg.ClientID),
		Secret:   firstNonEmpty(acc.ClientSecret, p.cfg.ClientSecret),
		Username: acc.Username,
		Password: acc.Password,
	}
	if creds.ID == "" || creds.Secret == "" || creds.Username == "" || creds.Password == "" {
		return nil, &domain.PlatformError{Kind: domain.ErrAuth, Err: errors.New("incomplete account credentials")}
	}

	opts := []reddit.Opt{reddit.WithUserAgent(p.cfg.UserAgent)}
	if p.cfg.BaseURL != "" {
		opts = append(opts, reddit.WithBaseURL(p.cfg.BaseURL))
	}
	if p.cfg.TokenURL != "" {
		opts = append(opts, reddit.WithTokenURL(p.cfg.TokenURL))
	}
	client, err := reddit.NewClient(creds, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating reddit client: %w", err)
	}

	s := &Session{
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(p.cfg.RequestInterval), 1),
		clock:    p.clock,
		username: acc.Username,
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	me, _, err := client.Account.Info(ctx)
	if err != nil {
		return nil, classify(err, p.clock.Now())
	}
	if me != nil && me.Name != "" {
		s.username = me.Name
	}
	p.logger.Debug("authenticated", "username", s.username)
	return s, nil
}

// Session is a client bound to one account.
type Session struct {
	client   *reddit.Client
	limiter  *rate.Limiter
	clock    clock.PassiveClock
	username string
}

func (s *Session) Username() string { return s.username }

// FetchPage reads one page of the combined new feed of sources.
func (s *Session) FetchPage(ctx context.Context, sources []string, after string, limit int) (domain.Page, error) {
	if len(sources) == 0 {
		return domain.Page{}, &domain.PlatformError{Kind: domain.ErrValidation, Err: errors.New("no sources")}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return domain.Page{}, err
	}

	posts, resp, err := s.client.Subreddit.NewPosts(ctx, strings.Join(sources, "+"), &reddit.ListOptions{
		Limit: limit,
		After: after,
	})
	if err != nil {
		return domain.Page{}, classify(err, s.clock.Now())
	}

	page := domain.Page{Candidates: make([]domain.Candidate, 0, len(posts))}
	for _, p := range posts {
		page.Candidates = append(page.Candidates, toCandidate(p))
	}
	if resp != nil {
		page.After = resp.After
	}
	return page, nil
}

// Dispatch posts a comment or sends a private message.
func (s *Session) Dispatch(ctx context.Context, a domain.Action) (domain.DispatchResult, error) {
	if strings.TrimSpace(a.Text) == "" {
		return domain.DispatchResult{}, &domain.PlatformError{Kind: domain.ErrValidation, Err: errors.New("empty action text")}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return domain.DispatchResult{}, err
	}

	switch a.Kind {
	case domain.ActionComment:
		c, _, err := s.client.Comment.Submit(ctx, a.TargetID, a.Text)
		if err != nil {
			return domain.DispatchResult{}, classify(err, s.clock.Now())
		}
		return domain.DispatchResult{Ref: c.FullID}, nil
	case domain.ActionMessage:
		_, err := s.client.Message.Send(ctx, &reddit.SendMessageRequest{
			To:      a.Recipient,
			Subject: a.Subject,
			Text:    a.Text,
		})
		if err != nil {
			return domain.DispatchResult{}, classify(err, s.clock.Now())
		}
		return domain.DispatchResult{Ref: "u/" + a.Recipient}, nil
	default:
		return domain.DispatchResult{}, &domain.PlatformError{Kind: domain.ErrValidation, Err: fmt.Errorf("unknown action %q", a.Kind)}
	}
}

func toCandidate(p *reddit.Post) domain.Candidate {
	c := domain.Candidate{
		ID:           p.ID,
		FullID:       p.FullID,
		Title:        p.Title,
		Body:         p.Body,
		Source:       p.SubredditName,
		Author:       p.Author,
		URL:          p.URL,
		Permalink:    p.Permalink,
		Score:        p.Score,
		CommentCount: p.NumberOfComments,
		IsSelf:       p.IsSelfPost,
		Locked:       p.Locked,
	}
	if p.Created != nil {
		c.CreatedAt = p.Created.Time
	}
	return c
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
