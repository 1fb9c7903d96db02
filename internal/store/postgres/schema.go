// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store].
//
// All tables share a single [pgxpool.Pool]. [Migrate] creates the schema
// idempotently via CREATE TABLE IF NOT EXISTS; it runs automatically from
// [NewStore].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    questionnaire_id TEXT         NOT NULL,
    voice            TEXT         NOT NULL DEFAULT '',
    language         TEXT         NOT NULL DEFAULT 'en',
    status           TEXT         NOT NULL DEFAULT 'active',
    client_ip        TEXT         NOT NULL DEFAULT '',
    upstream_id      TEXT         NOT NULL DEFAULT '',
    total_questions  INT          NOT NULL DEFAULT 0,
    answered         INT          NOT NULL DEFAULT 0,
    completion_rate  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions (created_at);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id TEXT        NOT NULL,
    turn       INT         NOT NULL,
    role       TEXT        NOT NULL,
    text       TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, turn, role)
);
`

const ddlResponses = `
CREATE TABLE IF NOT EXISTS responses (
    session_id  TEXT        NOT NULL,
    question_id TEXT        NOT NULL,
    value       TEXT        NOT NULL DEFAULT '',
    skipped     BOOLEAN     NOT NULL DEFAULT FALSE,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, question_id)
);
`

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    id         BIGSERIAL   PRIMARY KEY,
    session_id TEXT        NOT NULL,
    seq        BIGINT      NOT NULL,
    direction  TEXT        NOT NULL,
    size_bytes BIGINT      NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recordings_session_id ON recordings (session_id);
`

const ddlAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id         BIGSERIAL   PRIMARY KEY,
    session_id TEXT        NOT NULL,
    kind       TEXT        NOT NULL,
    payload    JSONB       NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analyses_session_id ON analyses (session_id);
`

// Migrate creates all gateway tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlTranscripts, ddlResponses, ddlRecordings, ddlAnalyses} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
