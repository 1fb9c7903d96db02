package questionnaire

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const csatYAML = `
id: csat-v2
title: Customer Satisfaction
questions:
  - id: q_rating
    text: How would you rate your overall experience?
    type: scale
    required: true
  - id: q_recommend
    text: Would you recommend us to a friend?
    type: yesno
    required: true
  - id: q_channel
    text: How did you hear about us?
    type: choice
    choices: [search, friend, advert]
  - id: q_feedback
    text: Anything else you would like to share?
    type: text
`

func writeLibrary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "csat-v2.yaml"), []byte(csatYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	for lang, text := range map[string]string{
		"en": "You are a friendly survey interviewer. Keep answers short.",
		"tr": "Samimi bir anket görüşmecisisin. Kısa tut.",
	} {
		promptDir := filepath.Join(dir, "prompts", lang)
		if err := os.MkdirAll(promptDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(promptDir, "csat-v2.txt"), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestParseAndDefaults(t *testing.T) {
	t.Parallel()

	q, err := Parse(strings.NewReader(csatYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if q.ID != "csat-v2" || len(q.Questions) != 4 {
		t.Fatalf("questionnaire = %+v", q)
	}

	rating, ok := q.Question("q_rating")
	if !ok {
		t.Fatal("q_rating not found")
	}
	if rating.Min != 1 || rating.Max != 5 {
		t.Errorf("scale defaults = [%d, %d], want [1, 5]", rating.Min, rating.Max)
	}
	if got := q.RequiredCount(); got != 2 {
		t.Errorf("RequiredCount() = %d, want 2", got)
	}
}

func TestParseValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "title: x\nquestions:\n  - id: a\n    text: b\n", "id is required"},
		{"no questions", "id: x\n", "at least one question"},
		{"duplicate question id", "id: x\nquestions:\n  - id: a\n    text: b\n  - id: a\n    text: c\n", "duplicates"},
		{"missing text", "id: x\nquestions:\n  - id: a\n", "text is required"},
		{"bad type", "id: x\nquestions:\n  - id: a\n    text: b\n    type: slider\n", "is invalid"},
		{"choice without choices", "id: x\nquestions:\n  - id: a\n    text: b\n    type: choice\n", "at least two choices"},
		{"bad scale bounds", "id: x\nquestions:\n  - id: a\n    text: b\n    type: scale\n    min: 5\n    max: 2\n", "are invalid"},
		{"unknown field", "id: x\nweight: 3\nquestions:\n  - id: a\n    text: b\n", "field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("Parse() = nil error, want failure")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestLoadLibrary(t *testing.T) {
	t.Parallel()

	dir := writeLibrary(t)
	lib, err := LoadLibrary(dir, "en")
	if err != nil {
		t.Fatalf("LoadLibrary() error = %v", err)
	}
	if ids := lib.IDs(); len(ids) != 1 || ids[0] != "csat-v2" {
		t.Errorf("IDs() = %v", ids)
	}
	if _, err := lib.Get("missing"); err == nil {
		t.Error("Get(missing) = nil error")
	}
}

func TestPromptLanguageResolution(t *testing.T) {
	t.Parallel()

	lib, err := LoadLibrary(writeLibrary(t), "en")
	if err != nil {
		t.Fatalf("LoadLibrary() error = %v", err)
	}

	en, err := lib.Prompt("csat-v2", "en")
	if err != nil {
		t.Fatalf("Prompt(en) error = %v", err)
	}
	if !strings.Contains(en, "friendly survey interviewer") {
		t.Errorf("en prompt = %q", en)
	}
	if !strings.Contains(en, "1. [q_rating]") || !strings.Contains(en, "(scale 1-5)") {
		t.Errorf("prompt missing question list:\n%s", en)
	}
	if !strings.Contains(en, "(choices: search, friend, advert)") {
		t.Errorf("prompt missing choices:\n%s", en)
	}

	tr, err := lib.Prompt("csat-v2", "tr")
	if err != nil {
		t.Fatalf("Prompt(tr) error = %v", err)
	}
	if !strings.Contains(tr, "anket") {
		t.Errorf("tr prompt = %q", tr)
	}

	// Region subtag collapses to the base folder.
	trTR, err := lib.Prompt("csat-v2", "tr-TR")
	if err != nil {
		t.Fatalf("Prompt(tr-TR) error = %v", err)
	}
	if trTR != tr {
		t.Error("tr-TR did not resolve to the tr folder")
	}

	// Unsupported language falls back to the default.
	de, err := lib.Prompt("csat-v2", "de")
	if err != nil {
		t.Fatalf("Prompt(de) error = %v", err)
	}
	if de != en {
		t.Error("unsupported language did not fall back to the default prompt")
	}
}

func TestPromptMissingEverywhere(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bare.yaml"), []byte("id: bare\nquestions:\n  - id: a\n    text: b\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	lib, err := LoadLibrary(dir, "en")
	if err != nil {
		t.Fatalf("LoadLibrary() error = %v", err)
	}
	if _, err := lib.Prompt("bare", "en"); err == nil {
		t.Error("Prompt() = nil error for questionnaire without prompt files")
	}
}
