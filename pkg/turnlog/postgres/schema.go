package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurnLog = `
CREATE TABLE IF NOT EXISTS turn_log (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    kind         TEXT         NOT NULL,
    text         TEXT         NOT NULL DEFAULT '',
    response_id  TEXT         NOT NULL DEFAULT '',
    from_state   TEXT         NOT NULL DEFAULT '',
    to_state     TEXT         NOT NULL DEFAULT '',
    event        TEXT         NOT NULL DEFAULT '',
    chunks       INTEGER      NOT NULL DEFAULT 0,
    fallbacks    INTEGER      NOT NULL DEFAULT 0,
    skipped      INTEGER      NOT NULL DEFAULT 0,
    detail       TEXT         NOT NULL DEFAULT '',
    at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_log_session_at
    ON turn_log (session_id, at);

CREATE INDEX IF NOT EXISTS idx_turn_log_kind
    ON turn_log (kind);
`

// Migrate creates the turn_log table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurnLog); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
