package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS consultation_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_consultation_transcripts_session_at
    ON consultation_transcripts (session_id, at);

CREATE INDEX IF NOT EXISTS idx_consultation_transcripts_fts
    ON consultation_transcripts USING GIN (to_tsvector('spanish', text));
`

const ddlRecords = `
CREATE TABLE IF NOT EXISTS consultation_records (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    record      JSONB        NOT NULL DEFAULT '{}',
    percent     INTEGER      NOT NULL DEFAULT 0,
    reason      TEXT         NOT NULL DEFAULT '',
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_consultation_records_session_at
    ON consultation_records (session_id, at DESC);
`

// Migrate creates the archive tables. It is idempotent and safe to run on
// every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTranscripts, ddlRecords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
