// Package transcript turns the stream of transcription fragments arriving
// from the upstream model into clean, turn-numbered conversation history.
//
// The upstream emits partial recognitions: the same utterance may arrive
// several times, each fragment extending or repeating the previous one. The
// aggregator deduplicates those, tracks turn boundaries on role changes, and
// persists each finalized turn without blocking the audio path.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// Role attributes a fragment to one side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// similarityThreshold is the Jaro-Winkler score above which two fragments of
// the same role are treated as the same utterance growing.
const similarityThreshold = 0.92

// Entry is one finalized conversation turn.
type Entry struct {
	SessionID string
	Turn      int
	Role      Role
	Text      string
	CreatedAt time.Time
}

// Store persists finalized entries. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveTranscript(ctx context.Context, e Entry) error
}

// Stats is a snapshot of the aggregator's counters.
type Stats struct {
	Turns              int
	UserFragments      int
	AssistantFragments int
	Deduplicated       int
}

// Aggregator accumulates fragments for a single session. It is safe for
// concurrent use; persistence runs off the caller's goroutine.
type Aggregator struct {
	sessionID string
	store     Store
	log       *slog.Logger
	now       func() time.Time

	writes sync.WaitGroup

	mu            sync.Mutex
	turn          int
	currentRole   Role
	currentText   string
	history       []Entry
	lastUser      string
	lastAssistant string
	stats         Stats
	closed        bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

// withClock overrides time.Now for tests.
func withClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator for one session. store may be nil, in
// which case finalized turns are kept in memory only.
func NewAggregator(sessionID string, store Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		sessionID: sessionID,
		store:     store,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AddUser records a user-speech fragment.
func (a *Aggregator) AddUser(text string) {
	a.add(RoleUser, text)
}

// AddAssistant records a model-speech fragment.
func (a *Aggregator) AddAssistant(text string) {
	a.add(RoleAssistant, text)
}

func (a *Aggregator) add(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	switch role {
	case RoleUser:
		a.stats.UserFragments++
	case RoleAssistant:
		a.stats.AssistantFragments++
	}

	// Role change finalizes the accumulating turn.
	if a.currentRole != "" && a.currentRole != role {
		a.finalizeLocked()
	}

	if a.currentRole == "" {
		a.currentRole = role
		a.currentText = text
		return
	}

	// Same role: decide between growth of the same utterance and a new
	// fragment of the same turn.
	switch {
	case text == a.currentText:
		a.stats.Deduplicated++
	case isExtension(a.currentText, text):
		a.currentText = text
		a.stats.Deduplicated++
	case matchr.JaroWinkler(a.currentText, text, false) >= similarityThreshold:
		// Same utterance re-recognized; keep the longer rendition.
		if len(text) > len(a.currentText) {
			a.currentText = text
		}
		a.stats.Deduplicated++
	default:
		a.currentText = a.currentText + " " + text
	}
}

// isExtension reports whether next is the same utterance as prev with more
// words recognized.
func isExtension(prev, next string) bool {
	return len(next) > len(prev) && strings.HasPrefix(next, prev)
}

// finalizeLocked closes the accumulating turn, appends it to history, and
// kicks off persistence. Callers hold a.mu.
func (a *Aggregator) finalizeLocked() {
	if a.currentRole == "" || a.currentText == "" {
		return
	}

	// An exchange is opened by the assistant and closed by the user's
	// answer, so assistant entries carry the upcoming turn number and user
	// entries increment the completed-turn count.
	var entryTurn int
	if a.currentRole == RoleUser {
		a.turn++
		entryTurn = a.turn
		a.lastUser = a.currentText
	} else {
		entryTurn = a.turn + 1
		a.lastAssistant = a.currentText
	}
	a.stats.Turns = a.turn

	entry := Entry{
		SessionID: a.sessionID,
		Turn:      entryTurn,
		Role:      a.currentRole,
		Text:      a.currentText,
		CreatedAt: a.now(),
	}
	a.history = append(a.history, entry)
	a.currentRole = ""
	a.currentText = ""

	a.persist(entry)
}

// persist writes the entry off the caller's goroutine. Failures are logged
// and do not interrupt the session.
func (a *Aggregator) persist(entry Entry) {
	if a.store == nil {
		return
	}
	a.writes.Add(1)
	go func() {
		defer a.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.SaveTranscript(ctx, entry); err != nil {
			a.log.Warn("transcript write failed",
				"session_id", entry.SessionID,
				"turn", entry.Turn,
				"role", entry.Role,
				"err", err,
			)
		}
	}()
}

// History returns a copy of the finalized turns so far.
func (a *Aggregator) History() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.history))
	copy(out, a.history)
	return out
}

// LastUserText returns the most recent finalized user turn.
func (a *Aggregator) LastUserText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUser
}

// LastAssistantText returns the most recent finalized assistant turn.
func (a *Aggregator) LastAssistantText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAssistant
}

// Stats returns a snapshot of the aggregator's counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Cleanup finalizes any accumulating turn and waits for in-flight writes,
// bounded by ctx. Further fragments are discarded.
func (a *Aggregator) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.finalizeLocked()
		a.closed = true
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
