// Package expand fills the body of link posts with the readable text of the
// page they point to, so link posts can be scored on more than a title.
package expand

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/kalambet/scoutd/internal/domain"
)

const (
	maxContentLength = 4000
	maxBodyBytes     = 8 << 20
)

// Hosts serving media rather than articles.
var mediaHosts = map[string]bool{
	"i.redd.it":       true,
	"v.redd.it":       true,
	"i.imgur.com":     true,
	"youtube.com":     true,
	"www.youtube.com": true,
	"youtu.be":        true,
}

var mediaExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".gifv": true,
	".webp": true, ".mp4": true,
}

// Expander fetches article text for link posts.
type Expander struct {
	client *http.Client
	logger *slog.Logger
}

// New creates an Expander whose fetches are bounded by timeout.
func New(timeout time.Duration, logger *slog.Logger) *Expander {
	return NewWithClient(&http.Client{Timeout: timeout}, logger)
}

// NewWithClient creates an Expander with a custom HTTP client.
func NewWithClient(client *http.Client, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{client: client, logger: logger.With("component", "expand")}
}

// Expandable reports whether c is a link post with no body of its own.
func Expandable(c domain.Candidate) bool {
	if c.IsSelf || strings.TrimSpace(c.Body) != "" || c.URL == "" {
		return false
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if mediaHosts[strings.ToLower(u.Hostname())] {
		return false
	}
	return !mediaExts[strings.ToLower(path.Ext(u.Path))]
}

// Expand returns c with Body set to the linked page's text. Any failure
// leaves c unchanged.
func (e *Expander) Expand(ctx context.Context, c domain.Candidate) domain.Candidate {
	if !Expandable(c) {
		return c
	}
	text, err := e.Fetch(ctx, c.URL)
	if err != nil {
		e.logger.Debug("link expansion failed", "candidate_id", c.ID, "url", c.URL, "error", err)
		return c
	}
	c.Body = text
	return c
}

// Fetch downloads rawURL and extracts readable text from an HTML page or a
// PDF, truncated to maxContentLength characters.
func (e *Expander) Fetch(ctx context.Context, rawURL string) (string, error) {
	pageURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", "scoutd/1.0 (+link preview)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rawURL, err)
	}

	var content string
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "pdf") || bytes.HasPrefix(body, []byte("%PDF-")):
		content, err = pdfText(body)
	case ct == "" || strings.Contains(ct, "html"):
		content, err = htmlText(body, pageURL)
	default:
		return "", fmt.Errorf("fetching %s: unsupported content type %q", rawURL, ct)
	}
	if err != nil {
		return "", fmt.Errorf("extracting content from %s: %w", rawURL, err)
	}
	return truncate(content), nil
}

// htmlText prefers the readability article and falls back to the page's
// meta description.
func htmlText(body []byte, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		if text := strings.TrimSpace(article.TextContent); text != "" {
			return text, nil
		}
	}
	if desc := metaDescription(body); desc != "" {
		return desc, nil
	}
	if err != nil {
		return "", err
	}
	return "", errors.New("no readable content")
}

func metaDescription(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var desc string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if desc != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "meta" {
			var name, content string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case "name", "property":
					name = strings.ToLower(a.Val)
				case "content":
					content = strings.TrimSpace(a.Val)
				}
			}
			if content != "" && (name == "description" || name == "og:description") {
				desc = content
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return desc
}

// pdfText extracts the plain text of every page. The parser panics on some
// malformed files, so panics are turned into errors.
func pdfText(body []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(io.LimitReader(plain, maxContentLength*8))
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	text = strings.Join(strings.Fields(string(b)), " ")
	if text == "" {
		return "", errors.New("pdf has no extractable text")
	}
	return text, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxContentLength {
		s = string([]rune(s)[:maxContentLength])
	}
	return s
}
