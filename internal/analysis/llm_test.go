package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voximetry/voximetry/internal/config"
	"github.com/voximetry/voximetry/internal/resilience"
	"github.com/voximetry/voximetry/internal/transcript"
)

func testHistory() []transcript.Entry {
	return []transcript.Entry{
		{Turn: 1, Role: transcript.RoleAssistant, Text: "How satisfied are you overall?"},
		{Turn: 1, Role: transcript.RoleUser, Text: "Pretty happy, four out of five."},
		{Turn: 2, Role: transcript.RoleAssistant, Text: "Anything we could improve?"},
		{Turn: 2, Role: transcript.RoleUser, Text: "Shipping took too long."},
	}
}

func newFakeAnalyzer(t *testing.T, reply string, err error) (*LLMAnalyzer, *string) {
	t.Helper()
	var gotUser string
	a, aerr := NewLLMAnalyzer(config.AnalysisConfig{Model: "test-model"},
		withComplete(func(ctx context.Context, system, user string) (string, error) {
			gotUser = user
			return reply, err
		}))
	if aerr != nil {
		t.Fatalf("NewLLMAnalyzer() error = %v", aerr)
	}
	return a, &gotUser
}

func TestAnalyzeSentiment(t *testing.T) {
	t.Parallel()

	a, gotUser := newFakeAnalyzer(t, `{"label":"positive","score":0.6,"summary":"Mostly satisfied."}`, nil)
	got, err := a.AnalyzeSentiment(context.Background(), testHistory())
	if err != nil {
		t.Fatalf("AnalyzeSentiment() error = %v", err)
	}
	if got.Label != "positive" || got.Score != 0.6 {
		t.Errorf("sentiment = %+v", got)
	}
	if !strings.Contains(*gotUser, "Participant: Pretty happy") {
		t.Errorf("prompt did not include the rendered transcript: %q", *gotUser)
	}
	if !strings.Contains(*gotUser, "Interviewer: How satisfied") {
		t.Errorf("prompt missing interviewer turns: %q", *gotUser)
	}
}

func TestAnalyzeSentimentStripsCodeFences(t *testing.T) {
	t.Parallel()

	a, _ := newFakeAnalyzer(t, "```json\n{\"label\":\"negative\",\"score\":-0.4,\"summary\":\"Frustrated.\"}\n```", nil)
	got, err := a.AnalyzeSentiment(context.Background(), testHistory())
	if err != nil {
		t.Fatalf("AnalyzeSentiment() error = %v", err)
	}
	if got.Label != "negative" {
		t.Errorf("Label = %q, want negative", got.Label)
	}
}

func TestAnalyzeSentimentRejectsBadReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
	}{
		{name: "not json", reply: "the participant seemed happy"},
		{name: "unknown label", reply: `{"label":"ecstatic","score":0.9,"summary":"x"}`},
		{name: "score out of range", reply: `{"label":"positive","score":3,"summary":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _ := newFakeAnalyzer(t, tt.reply, nil)
			if _, err := a.AnalyzeSentiment(context.Background(), testHistory()); err == nil {
				t.Errorf("AnalyzeSentiment() accepted reply %q", tt.reply)
			}
		})
	}
}

func TestExtractInsights(t *testing.T) {
	t.Parallel()

	a, _ := newFakeAnalyzer(t, `{"themes":["shipping speed"],"action_items":["review carrier SLAs"],"summary":"Happy overall, slow delivery."}`, nil)
	got, err := a.ExtractInsights(context.Background(), testHistory())
	if err != nil {
		t.Fatalf("ExtractInsights() error = %v", err)
	}
	if len(got.Themes) != 1 || got.Themes[0] != "shipping speed" {
		t.Errorf("Themes = %v", got.Themes)
	}
	if len(got.ActionItems) != 1 {
		t.Errorf("ActionItems = %v", got.ActionItems)
	}
}

func TestEmptyTranscriptRejected(t *testing.T) {
	t.Parallel()

	a, _ := newFakeAnalyzer(t, `{}`, nil)
	if _, err := a.AnalyzeSentiment(context.Background(), nil); err == nil {
		t.Error("AnalyzeSentiment() accepted an empty transcript")
	}
	if _, err := a.ExtractInsights(context.Background(), nil); err == nil {
		t.Error("ExtractInsights() accepted an empty transcript")
	}
}

func TestCompletionFailurePropagates(t *testing.T) {
	t.Parallel()

	a, _ := newFakeAnalyzer(t, "", errors.New("rate limited"))
	if _, err := a.AnalyzeSentiment(context.Background(), testHistory()); err == nil {
		t.Error("AnalyzeSentiment() swallowed the completion failure")
	}
}

func TestNewLLMAnalyzerRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewLLMAnalyzer(config.AnalysisConfig{Provider: "fakecloud", Model: "m"})
	if err == nil {
		t.Error("NewLLMAnalyzer() accepted an unsupported provider")
	}
}

func TestNoopAnalyzer(t *testing.T) {
	t.Parallel()

	var a Analyzer = Noop{}
	s, err := a.AnalyzeSentiment(context.Background(), nil)
	if err != nil || s.Label != "neutral" {
		t.Errorf("Noop sentiment = %+v, err %v", s, err)
	}
	if _, err := a.ExtractInsights(context.Background(), nil); err != nil {
		t.Errorf("Noop insights error = %v", err)
	}
}

func TestRepeatedFailuresTripBreaker(t *testing.T) {
	t.Parallel()

	calls := 0
	a, err := NewLLMAnalyzer(config.AnalysisConfig{Model: "test-model"},
		withComplete(func(context.Context, string, string) (string, error) {
			calls++
			return "", errors.New("provider down")
		}))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		a.AnalyzeSentiment(context.Background(), testHistory())
	}
	if _, err := a.AnalyzeSentiment(context.Background(), testHistory()); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen after repeated provider failures", err)
	}
	if calls > 5 {
		t.Errorf("provider called %d times, want at most the breaker threshold", calls)
	}
}
