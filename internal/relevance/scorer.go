// Package relevance scores feed candidates against a scan profile. Scoring is
// pure: the same candidate and profile always produce the same Score.
package relevance

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/profile"
)

// Score is the outcome of scoring one candidate.
type Score struct {
	Intent     int    `json:"intent"`
	Context    int    `json:"context"`
	Quality    int    `json:"quality"`
	Engagement int    `json:"engagement"`
	Final      int    `json:"final"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

// Scorer holds the phrase tables used for matching.
type Scorer struct {
	intents          []intentClass
	domainIndicators []string
	spamTerms        []string
}

// NewScorer returns a Scorer with the built-in phrase tables.
func NewScorer() *Scorer {
	return &Scorer{
		intents:          defaultIntentClasses,
		domainIndicators: defaultDomainIndicators,
		spamTerms:        defaultSpamTerms,
	}
}

// Score computes the sub-scores, the weighted final score and, if the final
// score is below the profile threshold, a rejection reason.
func (s *Scorer) Score(c domain.Candidate, p profile.Profile) Score {
	text := strings.ToLower(c.Text())
	sc := Score{
		Intent:     s.intentScore(text),
		Context:    s.contextScore(text, p),
		Quality:    s.qualityScore(text, c),
		Engagement: engagementScore(c),
	}
	return Decide(sc, p.Threshold)
}

// Decide fills Final, Accepted and Reason from the four sub-scores.
func Decide(sc Score, threshold int) Score {
	sc.Intent = clamp(sc.Intent)
	sc.Context = clamp(sc.Context)
	sc.Quality = clamp(sc.Quality)
	sc.Engagement = clamp(sc.Engagement)
	sc.Final = Combine(sc.Intent, sc.Context, sc.Quality, sc.Engagement)
	sc.Accepted = sc.Final >= threshold
	sc.Reason = ""
	if !sc.Accepted {
		sc.Reason = rejectionReason(sc, threshold)
	}
	return sc
}

// Combine is the rounded weighted sum of the sub-scores.
func Combine(intent, context, quality, engagement int) int {
	f := intentWeight*float64(intent) +
		contextWeight*float64(context) +
		qualityWeight*float64(quality) +
		engagementWeight*float64(engagement)
	return clamp(int(math.Round(f)))
}

func rejectionReason(sc Score, threshold int) string {
	switch {
	case sc.Intent < intentFloor:
		return fmt.Sprintf("low intent (%d): no problem, question or recommendation request found", sc.Intent)
	case sc.Context < contextFloor:
		return fmt.Sprintf("weak profile match (%d): few keyword or audience hits", sc.Context)
	case sc.Quality < qualityFloor:
		return fmt.Sprintf("low content quality (%d)", sc.Quality)
	default:
		return fmt.Sprintf("score %d below threshold %d", sc.Final, threshold)
	}
}

func (s *Scorer) intentScore(text string) int {
	total := 0
	for _, class := range s.intents {
		hits := countPhrases(text, class.Phrases)
		if class.Name == questionMarkClass {
			hits += strings.Count(text, "?")
		}
		total += capped(hits, class.Points, class.Cap)
	}
	return clamp(total)
}

func (s *Scorer) contextScore(text string, p profile.Profile) int {
	score := 0
	score -= negativePenalty * countTerms(text, p.NegativeKeywords)
	score += capped(countTerms(text, p.Keywords), keywordPoints, keywordCap)
	score += capped(countTerms(text, p.BusinessTerms), businessPoints, businessCap)
	score += capped(countTerms(text, p.AudienceTerms), audiencePoints, audienceCap)
	score += capped(countTerms(text, s.domainIndicators), domainPoints, domainCap)
	return clamp(score)
}

func (s *Scorer) qualityScore(text string, c domain.Candidate) int {
	score := qualityBase
	bodyLen := utf8.RuneCountInString(strings.TrimSpace(c.Body))
	if c.IsSelf {
		score += selfPostBonus
	}
	if bodyLen >= longFormChars {
		score += longFormBonus
	}
	if bodyLen > veryLongChars {
		score += veryLongBonus
	}
	if bodyLen < shortBodyChars {
		score -= shortBodyPenalty
	}
	score -= spamPenalty * countPhrases(text, s.spamTerms)
	return clamp(score)
}

func engagementScore(c domain.Candidate) int {
	score := 0
	for _, step := range scoreSteps {
		if c.Score >= step {
			score += engagementStep
		}
	}
	for _, step := range commentSteps {
		if c.CommentCount >= step {
			score += engagementStep
		}
	}
	if c.Score >= discussionMinScore && float64(c.CommentCount)/float64(c.Score) > discussionRatio {
		score += discussionBonus
	}
	return clamp(score)
}

// Prefilter is the cheap local check run before scoring: a candidate passes
// if it hits no negative keyword and, when the profile lists keywords or
// business terms, hits at least one of them.
func Prefilter(c domain.Candidate, p profile.Profile) bool {
	text := strings.ToLower(c.Text())
	if countTerms(text, p.NegativeKeywords) > 0 {
		return false
	}
	if len(p.Keywords) == 0 && len(p.BusinessTerms) == 0 {
		return true
	}
	return countTerms(text, p.Keywords) > 0 || countTerms(text, p.BusinessTerms) > 0
}

// countPhrases counts the distinct phrases present in text as substrings.
func countPhrases(text string, phrases []string) int {
	n := 0
	for _, ph := range phrases {
		if strings.Contains(text, ph) {
			n++
		}
	}
	return n
}

// countTerms counts the distinct profile terms present in text on word
// boundaries, case-insensitively.
func countTerms(text string, terms []string) int {
	n := 0
	seen := make(map[string]bool, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		if containsWord(text, term) {
			n++
		}
	}
	return n
}

func containsWord(text, term string) bool {
	for from := 0; from <= len(text)-len(term); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		i += from
		end := i + len(term)
		if boundaryBefore(text, i) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		from = i + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func capped(hits, points, limit int) int {
	v := hits * points
	if v > limit {
		return limit
	}
	return v
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
