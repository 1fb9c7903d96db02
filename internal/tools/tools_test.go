package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voximetry/voximetry/internal/questionnaire"
)

func noopHandler(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestRegisterRejectsInvalidTools(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Tool{Name: "", Handler: noopHandler}); err == nil {
		t.Error("Register() accepted an empty name")
	}
	if err := r.Register(Tool{Name: "no_handler"}); err == nil {
		t.Error("Register() accepted a nil handler")
	}
	if err := r.Register(Tool{Name: "dup", Handler: noopHandler}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(Tool{Name: "dup", Handler: noopHandler}); err == nil {
		t.Error("Register() accepted a duplicate name")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Register(Tool{
		Name:    "bad_schema",
		Handler: noopHandler,
		Schema:  map[string]any{"type": 42},
	})
	if err == nil {
		t.Error("Register() accepted an uncompilable schema")
	}
}

func TestDeclarationsPreserveRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		if err := r.Register(Tool{Name: name, Description: "d " + name, Handler: noopHandler}); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}

	decls := r.Declarations()
	if len(decls) != 3 {
		t.Fatalf("Declarations() length = %d, want 3", len(decls))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if decls[i].Name != want {
			t.Errorf("Declarations()[%d].Name = %q, want %q", i, decls[i].Name, want)
		}
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "unix path stripped",
			in:   "open /var/lib/voximetry/secrets.yaml: permission denied",
			want: "open : permission denied",
		},
		{
			name: "stack frame stripped",
			in:   "panic: nil map\n\tmain.go:42 +0x1f",
			want: "panic: nil map",
		},
		{
			name: "goroutine header stripped",
			in:   "goroutine 7 [running]: something broke",
			want: "something broke",
		},
		{
			name: "plain message untouched",
			in:   "question \"q1\" not found",
			want: "question \"q1\" not found",
		},
		{
			name: "empty after stripping",
			in:   "/opt/app/bin/tool",
			want: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeTruncatesLongMessages(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 500)
	got := Sanitize(long)
	if len([]rune(got)) != maxMessageRunes+3 {
		t.Errorf("Sanitize() length = %d, want %d", len([]rune(got)), maxMessageRunes+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Sanitize() = %q, want ... suffix", got[len(got)-10:])
	}
}

const surveyYAML = `
id: csat-v2
title: Customer satisfaction
questions:
  - id: rating
    text: How satisfied are you overall?
    type: scale
    required: true
  - id: recommend
    text: Would you recommend us?
    type: yesno
    required: true
  - id: channel
    text: How did you hear about us?
    type: choice
    choices: [Search, Friend, Advert]
  - id: comments
    text: Anything else?
    type: text
`

type recordedAction struct {
	kind       string
	questionID string
	value      string
}

type fakeActions struct {
	actions []recordedAction
	err     error
}

func (f *fakeActions) RecordResponse(ctx context.Context, questionID, value string) error {
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, recordedAction{"record", questionID, value})
	return nil
}

func (f *fakeActions) SkipQuestion(ctx context.Context, questionID, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, recordedAction{"skip", questionID, reason})
	return nil
}

func (f *fakeActions) EndSurvey(ctx context.Context, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, recordedAction{"end", "", reason})
	return nil
}

func surveyRegistry(t *testing.T, actions SurveyActions) *Registry {
	t.Helper()
	q, err := questionnaire.Parse(strings.NewReader(surveyYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	r := NewRegistry()
	if err := RegisterSurveyTools(r, q, actions); err != nil {
		t.Fatalf("RegisterSurveyTools() error = %v", err)
	}
	return r
}

func callTool(t *testing.T, r *Registry, name string, args map[string]any) (map[string]any, error) {
	t.Helper()
	entry, ok := r.lookup(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	return entry.tool.Handler(context.Background(), args)
}

func TestSurveyToolsRegistered(t *testing.T) {
	t.Parallel()

	r := surveyRegistry(t, &fakeActions{})
	for _, name := range []string{"record_response", "skip_question", "end_survey"} {
		if !r.Has(name) {
			t.Errorf("tool %q missing", name)
		}
	}
}

func TestRecordResponseNormalizesAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		questionID string
		value      string
		want       string
		wantErr    bool
	}{
		{name: "scale in range", questionID: "rating", value: "4", want: "4"},
		{name: "scale out of range", questionID: "rating", value: "9", wantErr: true},
		{name: "scale not a number", questionID: "rating", value: "four", wantErr: true},
		{name: "yesno normalized", questionID: "recommend", value: "Y", want: "yes"},
		{name: "yesno invalid", questionID: "recommend", value: "maybe", wantErr: true},
		{name: "choice case-insensitive", questionID: "channel", value: "friend", want: "Friend"},
		{name: "choice unknown", questionID: "channel", value: "Radio", wantErr: true},
		{name: "free text passes through", questionID: "comments", value: "All good", want: "All good"},
		{name: "unknown question", questionID: "nope", value: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			actions := &fakeActions{}
			r := surveyRegistry(t, actions)

			_, err := callTool(t, r, "record_response", map[string]any{
				"question_id": tt.questionID,
				"value":       tt.value,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("handler error = nil, want failure")
				}
				if len(actions.actions) != 0 {
					t.Errorf("actions recorded despite error: %+v", actions.actions)
				}
				return
			}
			if err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if len(actions.actions) != 1 || actions.actions[0].value != tt.want {
				t.Errorf("recorded %+v, want value %q", actions.actions, tt.want)
			}
		})
	}
}

func TestSkipAndEndTools(t *testing.T) {
	t.Parallel()

	actions := &fakeActions{}
	r := surveyRegistry(t, actions)

	if _, err := callTool(t, r, "skip_question", map[string]any{
		"question_id": "comments",
		"reason":      "declined",
	}); err != nil {
		t.Fatalf("skip_question error = %v", err)
	}
	if _, err := callTool(t, r, "skip_question", map[string]any{
		"question_id": "missing",
	}); err == nil {
		t.Error("skip_question accepted an unknown question")
	}

	resp, err := callTool(t, r, "end_survey", map[string]any{"reason": "completed"})
	if err != nil {
		t.Fatalf("end_survey error = %v", err)
	}
	if resp["status"] != "ending" {
		t.Errorf("end_survey status = %v, want ending", resp["status"])
	}

	want := []recordedAction{
		{"skip", "comments", "declined"},
		{"end", "", "completed"},
	}
	if len(actions.actions) != len(want) {
		t.Fatalf("actions = %+v, want %+v", actions.actions, want)
	}
	for i := range want {
		if actions.actions[i] != want[i] {
			t.Errorf("actions[%d] = %+v, want %+v", i, actions.actions[i], want[i])
		}
	}
}

func TestSurveyToolPropagatesActionFailure(t *testing.T) {
	t.Parallel()

	actions := &fakeActions{err: errors.New("session closed")}
	r := surveyRegistry(t, actions)

	if _, err := callTool(t, r, "record_response", map[string]any{
		"question_id": "rating",
		"value":       "3",
	}); err == nil {
		t.Error("record_response swallowed the action failure")
	}
}
