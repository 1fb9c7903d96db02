package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voximetry/voximetry/internal/store"
	"github.com/voximetry/voximetry/internal/transcript"
)

// Store is the PostgreSQL-backed [store.Store]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore establishes a connection pool to the database at dsn, verifies
// connectivity, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess store.Session) error {
	const q = `
		INSERT INTO sessions
		    (id, questionnaire_id, voice, language, status, client_ip, upstream_id,
		     total_questions, answered, completion_rate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`

	_, err := s.pool.Exec(ctx, q,
		sess.ID,
		sess.QuestionnaireID,
		sess.Voice,
		sess.Language,
		sess.Status,
		sess.ClientIP,
		sess.UpstreamID,
		sess.TotalQuestions,
		sess.Answered,
		sess.CompletionRate,
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (store.Session, error) {
	const q = `
		SELECT id, questionnaire_id, voice, language, status, client_ip, upstream_id,
		       total_questions, answered, completion_rate, created_at, updated_at, ended_at
		FROM   sessions
		WHERE  id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, fmt.Errorf("postgres: session %s: %w", id, store.ErrNotFound)
		}
		return store.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

// UpdateSession applies fn inside a transaction holding a row lock, so
// concurrent updates serialize instead of clobbering each other.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*store.Session)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: update session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const sel = `
		SELECT id, questionnaire_id, voice, language, status, client_ip, upstream_id,
		       total_questions, answered, completion_rate, created_at, updated_at, ended_at
		FROM   sessions
		WHERE  id = $1
		FOR UPDATE`

	sess, err := scanSession(tx.QueryRow(ctx, sel, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: session %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("postgres: update session: select: %w", err)
	}

	fn(&sess)

	const upd = `
		UPDATE sessions
		SET    voice = $2, language = $3, status = $4, upstream_id = $5,
		       total_questions = $6, answered = $7, completion_rate = $8,
		       updated_at = now(), ended_at = $9
		WHERE  id = $1`

	if _, err := tx.Exec(ctx, upd,
		sess.ID,
		sess.Voice,
		sess.Language,
		sess.Status,
		sess.UpstreamID,
		sess.TotalQuestions,
		sess.Answered,
		sess.CompletionRate,
		sess.EndedAt,
	); err != nil {
		return fmt.Errorf("postgres: update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: update session: commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (store.Session, error) {
	var sess store.Session
	err := row.Scan(
		&sess.ID,
		&sess.QuestionnaireID,
		&sess.Voice,
		&sess.Language,
		&sess.Status,
		&sess.ClientIP,
		&sess.UpstreamID,
		&sess.TotalQuestions,
		&sess.Answered,
		&sess.CompletionRate,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.EndedAt,
	)
	return sess, err
}

// SaveTranscript upserts a turn: a re-finalized rendition of the same
// (session, turn, role) replaces the earlier text.
func (s *Store) SaveTranscript(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcripts (session_id, turn, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, turn, role)
		DO UPDATE SET text = EXCLUDED.text`

	_, err := s.pool.Exec(ctx, q, e.SessionID, e.Turn, e.Role, e.Text, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save transcript: %w", err)
	}
	return nil
}

func (s *Store) Transcripts(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, turn, role, text, created_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY turn, CASE role WHEN 'assistant' THEN 0 ELSE 1 END`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: transcripts: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var e transcript.Entry
		err := row.Scan(&e.SessionID, &e.Turn, &e.Role, &e.Text, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transcripts: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

func (s *Store) SaveResponse(ctx context.Context, r store.Response) error {
	const q = `
		INSERT INTO responses (session_id, question_id, value, skipped, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, question_id)
		DO UPDATE SET value = EXCLUDED.value, skipped = EXCLUDED.skipped,
		              recorded_at = EXCLUDED.recorded_at`

	_, err := s.pool.Exec(ctx, q, r.SessionID, r.QuestionID, r.Value, r.Skipped, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("postgres: save response: %w", err)
	}
	return nil
}

func (s *Store) Responses(ctx context.Context, sessionID string) ([]store.Response, error) {
	const q = `
		SELECT session_id, question_id, value, skipped, recorded_at
		FROM   responses
		WHERE  session_id = $1
		ORDER  BY recorded_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: responses: %w", err)
	}
	responses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Response, error) {
		var r store.Response
		err := row.Scan(&r.SessionID, &r.QuestionID, &r.Value, &r.Skipped, &r.RecordedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan responses: %w", err)
	}
	if responses == nil {
		responses = []store.Response{}
	}
	return responses, nil
}

func (s *Store) SaveRecording(ctx context.Context, r store.Recording) error {
	const q = `
		INSERT INTO recordings (session_id, seq, direction, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q, r.SessionID, r.Seq, r.Direction, r.SizeBytes, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save recording: %w", err)
	}
	return nil
}

func (s *Store) DeleteRecordings(ctx context.Context, sessionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recordings WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete recordings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SaveAnalysis(ctx context.Context, a store.Analysis) error {
	const q = `
		INSERT INTO analyses (session_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, a.SessionID, a.Kind, a.Payload, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save analysis: %w", err)
	}
	return nil
}

func (s *Store) Analyses(ctx context.Context, sessionID string) ([]store.Analysis, error) {
	const q = `
		SELECT session_id, kind, payload, created_at
		FROM   analyses
		WHERE  session_id = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: analyses: %w", err)
	}
	analyses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Analysis, error) {
		var a store.Analysis
		err := row.Scan(&a.SessionID, &a.Kind, &a.Payload, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan analyses: %w", err)
	}
	if analyses == nil {
		analyses = []store.Analysis{}
	}
	return analyses, nil
}
