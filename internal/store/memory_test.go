package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voximetry/voximetry/internal/transcript"
)

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	s := Session{ID: "sess-1", QuestionnaireID: "csat-v2", Voice: "Charon", Language: "en", Status: StatusActive, CreatedAt: now}
	if err := m.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := m.CreateSession(ctx, s); err == nil {
		t.Fatal("CreateSession() accepted duplicate ID")
	}

	if err := m.UpdateSession(ctx, "sess-1", func(s *Session) {
		s.Status = StatusCompleted
		s.CompletionRate = 0.9
	}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	got, err := m.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != StatusCompleted || got.CompletionRate != 0.9 {
		t.Errorf("session after update = %+v", got)
	}

	if _, err := m.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
	if err := m.UpdateSession(ctx, "missing", func(*Session) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	if StatusActive.Terminal() {
		t.Error("active must not be terminal")
	}
	for _, s := range []SessionStatus{StatusCompleted, StatusAbandoned, StatusError} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestTranscriptsOrdered(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	entries := []transcript.Entry{
		{SessionID: "s", Turn: 2, Role: transcript.RoleUser, Text: "answer two"},
		{SessionID: "s", Turn: 1, Role: transcript.RoleUser, Text: "answer one"},
		{SessionID: "s", Turn: 1, Role: transcript.RoleAssistant, Text: "question one"},
		{SessionID: "s", Turn: 2, Role: transcript.RoleAssistant, Text: "question two"},
	}
	for _, e := range entries {
		if err := m.SaveTranscript(ctx, e); err != nil {
			t.Fatalf("SaveTranscript() error = %v", err)
		}
	}

	got, err := m.Transcripts(ctx, "s")
	if err != nil {
		t.Fatalf("Transcripts() error = %v", err)
	}
	wantTexts := []string{"question one", "answer one", "question two", "answer two"}
	if len(got) != len(wantTexts) {
		t.Fatalf("transcripts = %d entries, want %d", len(got), len(wantTexts))
	}
	for i, want := range wantTexts {
		if got[i].Text != want {
			t.Errorf("transcripts[%d].Text = %q, want %q", i, got[i].Text, want)
		}
	}
}

func TestResponsesOverwriteOnReanswer(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	m.SaveResponse(ctx, Response{SessionID: "s", QuestionID: "q1", Value: "3"})
	m.SaveResponse(ctx, Response{SessionID: "s", QuestionID: "q2", Value: "yes"})
	m.SaveResponse(ctx, Response{SessionID: "s", QuestionID: "q1", Value: "4"})

	got, err := m.Responses(ctx, "s")
	if err != nil {
		t.Fatalf("Responses() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("responses = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.QuestionID == "q1" && r.Value != "4" {
			t.Errorf("q1 value = %q, want 4 (overwritten)", r.Value)
		}
	}
}

func TestRecordingsDeletion(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	m.SaveRecording(ctx, Recording{SessionID: "s", Seq: 1, Direction: "inbound", SizeBytes: 3200})
	m.SaveRecording(ctx, Recording{SessionID: "s", Seq: 2, Direction: "outbound", SizeBytes: 6400})

	n, err := m.DeleteRecordings(ctx, "s")
	if err != nil {
		t.Fatalf("DeleteRecordings() error = %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	n, _ = m.DeleteRecordings(ctx, "s")
	if n != 0 {
		t.Errorf("second delete removed %d, want 0", n)
	}
}

func TestAnalyses(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	if err := m.SaveAnalysis(ctx, Analysis{SessionID: "s", Kind: "sentiment", Payload: map[string]any{"label": "positive"}}); err != nil {
		t.Fatalf("SaveAnalysis() error = %v", err)
	}
	got, err := m.Analyses(ctx, "s")
	if err != nil {
		t.Fatalf("Analyses() error = %v", err)
	}
	if len(got) != 1 || got[0].Kind != "sentiment" {
		t.Errorf("analyses = %+v", got)
	}
}
