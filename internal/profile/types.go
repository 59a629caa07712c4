package profile

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/kalambet/scoutd/internal/domain"
)

// Profile is one scan target: what to look for, where, how often, and what
// to do with a match. It is treated as immutable for the length of a cycle.
type Profile struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Keywords         []string          `json:"keywords"`
	NegativeKeywords []string          `json:"negative_keywords,omitempty"`
	BusinessTerms    []string          `json:"business_terms,omitempty"`
	AudienceTerms    []string          `json:"audience_terms,omitempty"`
	Threshold        int               `json:"threshold"`
	Sources          []string          `json:"sources"`
	IntervalMinutes  int               `json:"interval_minutes"`
	IsActive         bool              `json:"is_active"`
	Action           domain.ActionKind `json:"action"`
	ReplyTemplate    string            `json:"reply_template,omitempty"`
	MessageSubject   string            `json:"message_subject,omitempty"`
	JudgeCriteria    string            `json:"judge_criteria,omitempty"`
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid profile")

// Validate checks the fields the engine relies on.
func (p Profile) Validate() error {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "id is required")
	}
	if len(p.Sources) == 0 {
		problems = append(problems, "at least one source is required")
	}
	for _, s := range p.Sources {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, "+/ ") {
			problems = append(problems, fmt.Sprintf("invalid source %q", s))
		}
	}
	if p.Threshold < 0 || p.Threshold > 100 {
		problems = append(problems, "threshold must be within [0,100]")
	}
	if p.IntervalMinutes < 0 {
		problems = append(problems, "interval_minutes must not be negative")
	}
	switch p.Action {
	case "", domain.ActionComment, domain.ActionMessage:
	default:
		problems = append(problems, fmt.Sprintf("unknown action %q", p.Action))
	}
	if p.ReplyTemplate != "" {
		if _, err := template.New("reply").Parse(p.ReplyTemplate); err != nil {
			problems = append(problems, "reply_template: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ActionKind returns the configured action, defaulting to a comment.
func (p Profile) ActionKind() domain.ActionKind {
	if p.Action == "" {
		return domain.ActionComment
	}
	return p.Action
}

// ErrNoTemplate is returned by Render when the profile has no reply template.
var ErrNoTemplate = errors.New("profile has no reply template")

// replyData is the value a reply template is executed against.
type replyData struct {
	Title  string
	Author string
	Source string
}

// Render produces the outbound text for a candidate.
func (p Profile) Render(c domain.Candidate) (string, error) {
	if strings.TrimSpace(p.ReplyTemplate) == "" {
		return "", ErrNoTemplate
	}
	tmpl, err := template.New("reply").Option("missingkey=error").Parse(p.ReplyTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing reply template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, replyData{Title: c.Title, Author: c.Author, Source: c.Source}); err != nil {
		return "", fmt.Errorf("rendering reply template: %w", err)
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return "", ErrNoTemplate
	}
	return out, nil
}

func deepCopyProfile(p *Profile) Profile {
	if p == nil {
		return Profile{}
	}
	cp := *p
	cp.Keywords = copyStrings(p.Keywords)
	cp.NegativeKeywords = copyStrings(p.NegativeKeywords)
	cp.BusinessTerms = copyStrings(p.BusinessTerms)
	cp.AudienceTerms = copyStrings(p.AudienceTerms)
	cp.Sources = copyStrings(p.Sources)
	return cp
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
