// Package analysis runs post-session processing over finished survey
// transcripts: sentiment scoring and insight extraction via a configurable
// LLM provider.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/voximetry/voximetry/internal/transcript"
)

// Sentiment is the scored mood of the participant across the session.
type Sentiment struct {
	// Label is one of positive, neutral, or negative.
	Label string `json:"label"`

	// Score ranges from -1 (hostile) to 1 (delighted).
	Score float64 `json:"score"`

	// Summary is a one-sentence justification.
	Summary string `json:"summary"`
}

// Insights captures what the participant actually said beyond the
// structured answers.
type Insights struct {
	// Themes are recurring topics in the participant's own words.
	Themes []string `json:"themes"`

	// ActionItems are concrete follow-ups the responses suggest.
	ActionItems []string `json:"action_items"`

	// Summary condenses the conversation into a few sentences.
	Summary string `json:"summary"`
}

// Analyzer processes a finished session's transcript. Implementations must
// tolerate partial transcripts; sessions can end mid-question.
type Analyzer interface {
	AnalyzeSentiment(ctx context.Context, history []transcript.Entry) (Sentiment, error)
	ExtractInsights(ctx context.Context, history []transcript.Entry) (Insights, error)
}

// Noop satisfies Analyzer without doing anything. Used when analysis is
// disabled in config.
type Noop struct{}

var _ Analyzer = Noop{}

func (Noop) AnalyzeSentiment(context.Context, []transcript.Entry) (Sentiment, error) {
	return Sentiment{Label: "neutral"}, nil
}

func (Noop) ExtractInsights(context.Context, []transcript.Entry) (Insights, error) {
	return Insights{}, nil
}

// renderHistory flattens a transcript into the plain-text form the prompts
// consume.
func renderHistory(history []transcript.Entry) (string, error) {
	var b strings.Builder
	for _, e := range history {
		speaker := "Participant"
		if e.Role == transcript.RoleAssistant {
			speaker = "Interviewer"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, e.Text)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("analysis: empty transcript")
	}
	return b.String(), nil
}

// stripFences removes a markdown code fence around a JSON reply. Models add
// them even when told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
