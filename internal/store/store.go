// Package store defines the persistence model for survey sessions and the
// interfaces the rest of the gateway programs against. The postgres
// subpackage provides the durable implementation; [Memory] backs tests and
// storeless deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voximetry/voximetry/internal/transcript"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStatus is the lifecycle state of a survey session. Transitions are
// monotonic: once a session reaches a terminal status it never changes.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAbandoned SessionStatus = "abandoned"
	StatusError     SessionStatus = "error"
)

// Terminal reports whether s is a terminal status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusError:
		return true
	}
	return false
}

// Session is one survey conversation from socket accept to terminal state.
type Session struct {
	ID              string
	QuestionnaireID string
	Voice           string
	Language        string
	Status          SessionStatus
	ClientIP        string
	UpstreamID      string
	TotalQuestions  int
	Answered        int
	CompletionRate  float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         *time.Time
}

// Response is one recorded answer to a questionnaire item.
type Response struct {
	SessionID  string
	QuestionID string
	Value      string
	Skipped    bool
	RecordedAt time.Time
}

// Recording is metadata for a stored audio artifact. Payloads live outside
// the relational store; only size and direction are tracked here.
type Recording struct {
	SessionID string
	Seq       int64
	Direction string // "inbound" or "outbound"
	SizeBytes int64
	CreatedAt time.Time
}

// Analysis is the output of one post-session analysis pass.
type Analysis struct {
	SessionID string
	Kind      string // "sentiment" or "extraction"
	Payload   map[string]any
	CreatedAt time.Time
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession applies fn to the stored session under the store's own
	// concurrency control and persists the result.
	UpdateSession(ctx context.Context, id string, fn func(*Session)) error
}

// TranscriptStore persists finalized transcript turns.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, e transcript.Entry) error
	Transcripts(ctx context.Context, sessionID string) ([]transcript.Entry, error)
}

// ResponseStore persists recorded answers.
type ResponseStore interface {
	SaveResponse(ctx context.Context, r Response) error
	Responses(ctx context.Context, sessionID string) ([]Response, error)
}

// RecordingStore persists recording metadata and supports retention
// deletion.
type RecordingStore interface {
	SaveRecording(ctx context.Context, r Recording) error
	DeleteRecordings(ctx context.Context, sessionID string) (int64, error)
}

// AnalysisStore persists post-session analysis results.
type AnalysisStore interface {
	SaveAnalysis(ctx context.Context, a Analysis) error
	Analyses(ctx context.Context, sessionID string) ([]Analysis, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	TranscriptStore
	ResponseStore
	RecordingStore
	AnalysisStore
	Close()
}
