package judge

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const systemPrompt = `You review social media posts for a team that replies to people who need what they offer. Decide whether the post is a genuine opportunity under the given criteria. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Rules:
- "relevant" is true only if the author has a real need the criteria describe.
- Promotional posts, job ads, and posts by vendors are never relevant.
- "confidence" is between 0.0 and 1.0.
- "reason" is one short sentence.`

// maxBodyRunes keeps prompts for long posts within small local context windows.
const maxBodyRunes = 3000

// BuildPrompt returns the system and user messages for req.
func BuildPrompt(req Request) (system, user string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Criteria]\n%s\n\n", strings.TrimSpace(req.Criteria))
	fmt.Fprintf(&sb, "[Post in r/%s by u/%s]\n", req.Candidate.Source, req.Candidate.Author)
	fmt.Fprintf(&sb, "Title: %s\n", req.Candidate.Title)
	if body := truncate(req.Candidate.Body, maxBodyRunes); body != "" {
		fmt.Fprintf(&sb, "Body:\n%s\n", body)
	}
	return systemPrompt, sb.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// verdictSchemaJSON is shared by both backends.
const verdictSchemaJSON = `{"type":"object","properties":{"relevant":{"type":"boolean"},"confidence":{"type":"number"},"reason":{"type":"string"}},"required":["relevant","confidence","reason"]}`

// ParseVerdict extracts a Verdict from a model response. Small models often
// wrap the JSON in code fences or add filler around it.
func ParseVerdict(resp string) (Verdict, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Verdict{}, fmt.Errorf("no JSON object in response %q", resp)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("decoding verdict: %w", err)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}
