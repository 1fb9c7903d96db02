package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voximetry/voximetry/internal/transcript"
)

// Memory is an in-process [Store]. It backs tests and deployments without a
// database; nothing survives a restart.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]Session
	transcripts map[string][]transcript.Entry
	responses   map[string][]Response
	recordings  map[string][]Recording
	analyses    map[string][]Analysis
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]Session),
		transcripts: make(map[string][]transcript.Entry),
		responses:   make(map[string][]Response),
		recordings:  make(map[string][]Recording),
		analyses:    make(map[string][]Analysis),
	}
}

func (m *Memory) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("store: create session %s: already exists", s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) UpdateSession(ctx context.Context, id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	fn(&s)
	m.sessions[id] = s
	return nil
}

func (m *Memory) SaveTranscript(ctx context.Context, e transcript.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[e.SessionID] = append(m.transcripts[e.SessionID], e)
	return nil
}

func (m *Memory) Transcripts(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]transcript.Entry, len(m.transcripts[sessionID]))
	copy(entries, m.transcripts[sessionID])
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Turn != entries[j].Turn {
			return entries[i].Turn < entries[j].Turn
		}
		// Within a turn the assistant opens and the user closes.
		return entries[i].Role == transcript.RoleAssistant && entries[j].Role == transcript.RoleUser
	})
	return entries, nil
}

func (m *Memory) SaveResponse(ctx context.Context, r Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-answering a question overwrites the earlier value.
	for i, existing := range m.responses[r.SessionID] {
		if existing.QuestionID == r.QuestionID {
			m.responses[r.SessionID][i] = r
			return nil
		}
	}
	m.responses[r.SessionID] = append(m.responses[r.SessionID], r)
	return nil
}

func (m *Memory) Responses(ctx context.Context, sessionID string) ([]Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Response, len(m.responses[sessionID]))
	copy(out, m.responses[sessionID])
	return out, nil
}

func (m *Memory) SaveRecording(ctx context.Context, r Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings[r.SessionID] = append(m.recordings[r.SessionID], r)
	return nil
}

func (m *Memory) DeleteRecordings(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.recordings[sessionID]))
	delete(m.recordings, sessionID)
	return n, nil
}

func (m *Memory) SaveAnalysis(ctx context.Context, a Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.SessionID] = append(m.analyses[a.SessionID], a)
	return nil
}

func (m *Memory) Analyses(ctx context.Context, sessionID string) ([]Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Analysis, len(m.analyses[sessionID]))
	copy(out, m.analyses[sessionID])
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}
