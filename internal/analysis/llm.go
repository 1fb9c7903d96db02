package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voximetry/voximetry/internal/config"
	"github.com/voximetry/voximetry/internal/resilience"
	"github.com/voximetry/voximetry/internal/transcript"
)

const sentimentPrompt = `You rate the sentiment of a survey participant from an interview transcript.
Respond with a single JSON object and nothing else:
{"label": "positive"|"neutral"|"negative", "score": <number from -1 to 1>, "summary": "<one sentence>"}
Rate only the participant's mood, not the interviewer's.`

const insightsPrompt = `You extract insights from a completed voice-survey transcript.
Respond with a single JSON object and nothing else:
{"themes": ["..."], "action_items": ["..."], "summary": "<two or three sentences>"}
Themes are recurring topics in the participant's own words. Action items are concrete follow-ups their answers suggest. Leave arrays empty when the transcript supports nothing.`

// completeFunc runs one system+user exchange and returns the raw reply.
type completeFunc func(ctx context.Context, system, user string) (string, error)

// LLMAnalyzer implements Analyzer on top of an any-llm provider. A circuit
// breaker shields sessions from a degraded provider: analysis passes fail
// fast instead of stacking up slow completion calls during finalization.
type LLMAnalyzer struct {
	model    string
	log      *slog.Logger
	breaker  *resilience.Breaker
	complete completeFunc
}

var _ Analyzer = (*LLMAnalyzer)(nil)

// LLMOption configures an LLMAnalyzer.
type LLMOption func(*LLMAnalyzer)

// WithLogger sets the analyzer's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) LLMOption {
	return func(a *LLMAnalyzer) { a.log = log }
}

// withComplete replaces the completion call for tests.
func withComplete(fn completeFunc) LLMOption {
	return func(a *LLMAnalyzer) { a.complete = fn }
}

// NewLLMAnalyzer builds an analyzer for the configured provider. Supported
// providers: openai, anthropic, gemini, ollama.
func NewLLMAnalyzer(cfg config.AnalysisConfig, opts ...LLMOption) (*LLMAnalyzer, error) {
	a := &LLMAnalyzer{
		model: cfg.Model,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.breaker = resilience.NewBreaker(resilience.Settings{
		Name:   "analysis-" + strings.ToLower(cfg.Provider),
		Logger: a.log,
	})
	if a.complete != nil {
		return a, nil
	}

	var providerOpts []anyllmlib.Option
	if cfg.APIKey != "" {
		providerOpts = append(providerOpts, anyllmlib.WithAPIKey(cfg.APIKey))
	}

	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		backend, err = anyllmoai.New(providerOpts...)
	case "anthropic":
		backend, err = anthropic.New(providerOpts...)
	case "gemini":
		backend, err = gemini.New(providerOpts...)
	case "ollama":
		backend, err = ollama.New(providerOpts...)
	default:
		return nil, fmt.Errorf("analysis: unsupported provider %q; supported: openai, anthropic, gemini, ollama", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: create %q backend: %w", cfg.Provider, err)
	}

	a.complete = func(ctx context.Context, system, user string) (string, error) {
		temperature := 0.0
		resp, cerr := backend.Completion(ctx, anyllmlib.CompletionParams{
			Model:       a.model,
			Temperature: &temperature,
			Messages: []anyllmlib.Message{
				{Role: anyllmlib.RoleSystem, Content: system},
				{Role: anyllmlib.RoleUser, Content: user},
			},
		})
		if cerr != nil {
			return "", fmt.Errorf("analysis: completion: %w", cerr)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("analysis: empty choices in response")
		}
		return resp.Choices[0].Message.ContentString(), nil
	}
	return a, nil
}

// guardedComplete runs one completion behind the provider breaker.
func (a *LLMAnalyzer) guardedComplete(ctx context.Context, system, user string) (string, error) {
	var reply string
	err := a.breaker.Do(func() error {
		var cerr error
		reply, cerr = a.complete(ctx, system, user)
		return cerr
	})
	return reply, err
}

// AnalyzeSentiment implements Analyzer.
func (a *LLMAnalyzer) AnalyzeSentiment(ctx context.Context, history []transcript.Entry) (Sentiment, error) {
	text, err := renderHistory(history)
	if err != nil {
		return Sentiment{}, err
	}

	reply, err := a.guardedComplete(ctx, sentimentPrompt, text)
	if err != nil {
		return Sentiment{}, err
	}

	var out Sentiment
	if err := json.Unmarshal([]byte(stripFences(reply)), &out); err != nil {
		return Sentiment{}, fmt.Errorf("analysis: parse sentiment reply: %w", err)
	}
	switch out.Label {
	case "positive", "neutral", "negative":
	default:
		return Sentiment{}, fmt.Errorf("analysis: unexpected sentiment label %q", out.Label)
	}
	if out.Score < -1 || out.Score > 1 {
		return Sentiment{}, fmt.Errorf("analysis: sentiment score %v out of range", out.Score)
	}
	return out, nil
}

// ExtractInsights implements Analyzer.
func (a *LLMAnalyzer) ExtractInsights(ctx context.Context, history []transcript.Entry) (Insights, error) {
	text, err := renderHistory(history)
	if err != nil {
		return Insights{}, err
	}

	reply, err := a.guardedComplete(ctx, insightsPrompt, text)
	if err != nil {
		return Insights{}, err
	}

	var out Insights
	if err := json.Unmarshal([]byte(stripFences(reply)), &out); err != nil {
		return Insights{}, fmt.Errorf("analysis: parse insights reply: %w", err)
	}
	return out, nil
}
