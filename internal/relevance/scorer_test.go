package relevance

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/profile"
)

func crmProfile() profile.Profile {
	return profile.Profile{
		ID:               "p1",
		Keywords:         []string{"crm", "pipeline"},
		NegativeKeywords: []string{"hiring"},
		BusinessTerms:    []string{"small business"},
		AudienceTerms:    []string{"founder"},
		Threshold:        50,
		Sources:          []string{"smallbusiness"},
	}
}

func strongCandidate() domain.Candidate {
	return domain.Candidate{
		ID:    "abc",
		Title: "Looking for a CRM for my small business?",
		Body: "I'm a founder struggling with our sales pipeline. We tried spreadsheets and it's a nightmare. " +
			"Can anyone recommend a simple CRM that our team of five could adopt without weeks of setup? " +
			"Budget is modest, we mostly need reminders, deal stages and email sync. What do you use?",
		Author:       "owner42",
		Source:       "smallbusiness",
		Score:        25,
		CommentCount: 18,
		IsSelf:       true,
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := NewScorer()
	c, p := strongCandidate(), crmProfile()

	first := s.Score(c, p)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, s.Score(c, p)); diff != "" {
			t.Fatalf("score changed between calls (-first +got):\n%s", diff)
		}
	}
}

func TestScore_FinalIsWeightedSum(t *testing.T) {
	s := NewScorer()
	cands := []domain.Candidate{
		strongCandidate(),
		{ID: "x", Title: "hello", Author: "a"},
		{ID: "y", Title: "We are hiring a CRM admin", Body: "buy now click here", Author: "b", Score: 1000, CommentCount: 900},
	}
	for _, c := range cands {
		sc := s.Score(c, crmProfile())
		for name, v := range map[string]int{"intent": sc.Intent, "context": sc.Context, "quality": sc.Quality, "engagement": sc.Engagement, "final": sc.Final} {
			if v < 0 || v > 100 {
				t.Errorf("%s: %s = %d out of range", c.ID, name, v)
			}
		}
		if want := Combine(sc.Intent, sc.Context, sc.Quality, sc.Engagement); sc.Final != want {
			t.Errorf("%s: Final = %d, want %d", c.ID, sc.Final, want)
		}
	}
}

func TestDecide_Scenarios(t *testing.T) {
	high := Decide(Score{Intent: 80, Context: 80, Quality: 80, Engagement: 80}, 70)
	if high.Final != 80 || !high.Accepted || high.Reason != "" {
		t.Errorf("high = %+v, want final 80 accepted", high)
	}

	zero := Decide(Score{}, 70)
	if zero.Final != 0 || zero.Accepted {
		t.Errorf("zero = %+v, want final 0 rejected", zero)
	}
	if !strings.Contains(zero.Reason, "low intent") {
		t.Errorf("Reason = %q, want low intent", zero.Reason)
	}
}

func TestDecide_ReasonPriority(t *testing.T) {
	tests := []struct {
		name string
		in   Score
		want string
	}{
		{"intent first", Score{Intent: 10, Context: 10, Quality: 10}, "low intent"},
		{"context next", Score{Intent: 50, Context: 10, Quality: 10}, "weak profile match"},
		{"quality next", Score{Intent: 50, Context: 50, Quality: 10}, "low content quality"},
		{"generic", Score{Intent: 50, Context: 50, Quality: 50}, "below threshold 90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.in, 90)
			if !strings.Contains(got.Reason, tt.want) {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.want)
			}
		})
	}
}

func TestDecide_ClampsSubScores(t *testing.T) {
	got := Decide(Score{Intent: 150, Context: -20, Quality: 100, Engagement: 100}, 0)
	if got.Intent != 100 || got.Context != 0 {
		t.Errorf("sub-scores not clamped: %+v", got)
	}
	if got.Final != Combine(100, 0, 100, 100) {
		t.Errorf("Final = %d", got.Final)
	}
}

func TestScore_StrongCandidateAccepted(t *testing.T) {
	sc := NewScorer().Score(strongCandidate(), crmProfile())
	if !sc.Accepted {
		t.Errorf("strong candidate rejected: %+v", sc)
	}
	if sc.Intent < intentFloor {
		t.Errorf("Intent = %d, want >= %d", sc.Intent, intentFloor)
	}
}

func TestContextScore_NegativeKeywordPenalty(t *testing.T) {
	s := NewScorer()
	p := crmProfile()
	with := s.contextScore("we are hiring for crm work", p)
	without := s.contextScore("we need crm work", p)
	if with >= without {
		t.Errorf("negative keyword did not lower context: %d >= %d", with, without)
	}
}

func TestContextScore_KeywordCap(t *testing.T) {
	p := profile.Profile{Keywords: []string{"a1", "a2", "a3", "a4", "a5"}}
	got := NewScorer().contextScore("a1 a2 a3 a4 a5", p)
	if got != keywordCap {
		t.Errorf("context = %d, want cap %d", got, keywordCap)
	}
}

func TestQualityScore(t *testing.T) {
	s := NewScorer()
	short := domain.Candidate{Title: "x", Body: "tiny"}
	if got := s.qualityScore("x tiny", short); got != qualityBase-shortBodyPenalty {
		t.Errorf("short body quality = %d, want %d", got, qualityBase-shortBodyPenalty)
	}

	long := domain.Candidate{Title: "x", Body: strings.Repeat("a", 2500), IsSelf: true}
	want := qualityBase + selfPostBonus + longFormBonus + veryLongBonus
	if got := s.qualityScore("x", long); got != want {
		t.Errorf("long self post quality = %d, want %d", got, want)
	}

	spam := domain.Candidate{Title: "x", Body: "tiny"}
	if got := s.qualityScore("click here buy now dm me giveaway", spam); got != 0 {
		t.Errorf("spam quality = %d, want clamped 0", got)
	}
}

func TestEngagementScore(t *testing.T) {
	tests := []struct {
		score, comments, want int
	}{
		{0, 0, 0},
		{5, 0, 10},
		{25, 3, 30},
		{600, 60, 70},
		{10, 10, 10 + 20 + discussionBonus},
	}
	for _, tt := range tests {
		got := engagementScore(domain.Candidate{Score: tt.score, CommentCount: tt.comments})
		if got != tt.want {
			t.Errorf("engagement(score=%d, comments=%d) = %d, want %d", tt.score, tt.comments, got, tt.want)
		}
	}
}

func TestPrefilter(t *testing.T) {
	p := crmProfile()
	tests := []struct {
		text string
		want bool
	}{
		{"Which CRM should I pick", true},
		{"Advice for my small business", true},
		{"We're hiring a CRM admin", false},
		{"Unrelated cooking question", false},
		{"scrmble is not a word match", false},
	}
	for _, tt := range tests {
		if got := Prefilter(domain.Candidate{Title: tt.text}, p); got != tt.want {
			t.Errorf("Prefilter(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	if !Prefilter(domain.Candidate{Title: "anything"}, profile.Profile{}) {
		t.Error("profile without keywords should pass everything")
	}
}
