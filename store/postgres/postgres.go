/*
Package postgres provides a PostgreSQL-backed implementation of the
xp.Store contract using pgx.

PURPOSE:
  Multi-process deployment target. The per-user serialization point is a
  row-level lock: SELECT ... FOR UPDATE on the user's aggregate row, held
  for the duration of the crediting transaction. Credits for different
  users lock different rows and proceed independently.

BOUNDED WAIT:
  lock_timeout is set per transaction; a lock wait that exceeds it fails
  with SQLSTATE 55P03, classified as LockNotAcquired (retryable).

ERROR CLASSIFICATION:
  Driver errors are classified by pgconn.PgError SQLSTATE codes and
  constraint names - an explicit, versioned enum from the store boundary,
  never free-text message matching:
    23505 on xp_events_idempotency_key_key        -> racing key conflict
    23505 on achievement_unlocks_user_code_key    -> AlreadyUnlocked
    55P03 lock_not_available / 40001 serialization -> LockNotAcquired

SEE ALSO:
  - xp/store.go: Contract definition
  - store/sqlite/: Single-process implementation
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/xp-engine/xp"
)

// DefaultLockTimeout bounds the row-lock wait inside a crediting transaction.
const DefaultLockTimeout = 2 * time.Second

// Constraint names the classifier keys on. Renaming them in a migration
// requires updating this enum.
const (
	constraintEventKey = "xp_events_idempotency_key_key"
	constraintUnlock   = "achievement_unlocks_user_code_key"
)

// Store implements xp.Store on PostgreSQL.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ xp.Store = (*Store)(nil)

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	store := &Store{pool: pool, lockTimeout: DefaultLockTimeout}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// SetLockTimeout overrides the bounded row-lock wait.
func (s *Store) SetLockTimeout(d time.Duration) { s.lockTimeout = d }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_xp_state (
		user_id TEXT PRIMARY KEY,
		total_xp BIGINT NOT NULL DEFAULT 0,
		current_level INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS xp_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		action_type TEXT NOT NULL,
		xp_delta BIGINT NOT NULL,
		xp_requested BIGINT NOT NULL,
		xp_before BIGINT NOT NULL,
		xp_after BIGINT NOT NULL,
		level_before INTEGER NOT NULL,
		level_after INTEGER NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		reference_id TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT xp_events_idempotency_key_key UNIQUE (idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_xp_events_user
		ON xp_events(user_id, created_at);

	CREATE TABLE IF NOT EXISTS achievement_unlocks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL,
		event_id TEXT,
		reference_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT achievement_unlocks_user_code_key UNIQUE (user_id, code)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// PER-USER SERIALIZATION
// =============================================================================

// WithUserLock opens a transaction, takes the row lock on the user's
// aggregate, and runs fn. The lock is released on commit/rollback.
func (s *Store) WithUserLock(ctx context.Context, userID xp.UserID, fn func(tx xp.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer pgTx.Rollback(ctx)

	// lock_timeout only accepts literals; the duration is ours, not user input.
	if _, err := pgTx.Exec(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}

	// The serialization point. A missing row is tolerated here: the
	// protocol's State read will fail ProfileNotFound and roll back.
	rows, err := pgTx.Query(ctx,
		`SELECT user_id FROM user_xp_state WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return classify(err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify(err)
	}

	if err := fn(&storeTx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// =============================================================================
// LOCK-FREE READS
// =============================================================================

func (s *Store) CreateProfile(ctx context.Context, userID xp.UserID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_xp_state (user_id, total_xp, current_level, updated_at)
		VALUES ($1, 0, 1, now())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	return classify(err)
}

func (s *Store) State(ctx context.Context, userID xp.UserID) (xp.UserXpState, error) {
	return scanState(s.pool.QueryRow(ctx, `
		SELECT user_id, total_xp, current_level, updated_at
		FROM user_xp_state WHERE user_id = $1`, userID), userID)
}

func (s *Store) Events(ctx context.Context, userID xp.UserID) ([]xp.XpEvent, error) {
	rows, err := s.pool.Query(ctx, eventColumns+`
		FROM xp_events WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []xp.XpEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// =============================================================================
// TRANSACTION VIEW (xp.Tx)
// =============================================================================

type storeTx struct {
	tx pgx.Tx
}

var _ xp.Tx = (*storeTx)(nil)

const eventColumns = `
	SELECT id, user_id, source_type, action_type, xp_delta, xp_requested,
	       xp_before, xp_after, level_before, level_after, idempotency_key,
	       reference_id, metadata, created_at`

func (t *storeTx) EventByKey(ctx context.Context, key string) (*xp.XpEvent, error) {
	ev, err := scanEvent(t.tx.QueryRow(ctx, eventColumns+`
		FROM xp_events WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *storeTx) State(ctx context.Context, userID xp.UserID) (xp.UserXpState, error) {
	return scanState(t.tx.QueryRow(ctx, `
		SELECT user_id, total_xp, current_level, updated_at
		FROM user_xp_state WHERE user_id = $1`, userID), userID)
}

func (t *storeTx) Stats(ctx context.Context, userID xp.UserID) (xp.UserStats, error) {
	state, err := t.State(ctx, userID)
	if err != nil {
		return xp.UserStats{}, err
	}

	stats := xp.UserStats{TotalXP: state.TotalXP, CurrentLevel: state.CurrentLevel}
	err = t.tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM xp_events WHERE user_id = $1),
			(SELECT COUNT(*) FROM achievement_unlocks WHERE user_id = $1)`,
		userID).Scan(&stats.EventCount, &stats.UnlockCount)
	if err != nil {
		return xp.UserStats{}, classify(err)
	}
	return stats, nil
}

func (t *storeTx) AppendEvent(ctx context.Context, ev xp.XpEvent, state xp.UserXpState) error {
	var metadataJSON []byte
	if ev.Metadata != nil {
		metadataJSON, _ = json.Marshal(ev.Metadata)
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO xp_events
		(id, user_id, source_type, action_type, xp_delta, xp_requested, xp_before,
		 xp_after, level_before, level_after, idempotency_key, reference_id,
		 metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.UserID, ev.Source.SourceType, ev.Source.ActionType,
		ev.XPDelta, ev.XPRequested, ev.XPBefore, ev.XPAfter, ev.LevelBefore,
		ev.LevelAfter, ev.IdempotencyKey, nilIfEmpty(ev.ReferenceID),
		metadataJSON, ev.CreatedAt.UTC())
	if err != nil {
		return classify(err)
	}

	ct, err := t.tx.Exec(ctx, `
		UPDATE user_xp_state
		SET total_xp = $1, current_level = $2, updated_at = $3
		WHERE user_id = $4`,
		state.TotalXP, state.CurrentLevel, state.UpdatedAt.UTC(), state.UserID)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return xp.NewError(xp.KindProfileNotFound, "no XP profile for user %s", state.UserID)
	}
	return nil
}

func (t *storeTx) Unlocked(ctx context.Context, userID xp.UserID, code string) (*xp.Unlock, error) {
	var (
		u           xp.Unlock
		eventID     *string
		referenceID *string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, code, event_id, reference_id, created_at
		FROM achievement_unlocks WHERE user_id = $1 AND code = $2`,
		userID, code).Scan(&u.ID, &u.UserID, &u.Code, &eventID, &referenceID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}

	if eventID != nil {
		u.EventID = xp.EventID(*eventID)
	}
	if referenceID != nil {
		u.ReferenceID = *referenceID
	}
	return &u, nil
}

func (t *storeTx) RecordUnlock(ctx context.Context, u xp.Unlock) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO achievement_unlocks (id, user_id, code, event_id, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.UserID, u.Code, nilIfEmpty(string(u.EventID)),
		nilIfEmpty(u.ReferenceID), u.CreatedAt.UTC())
	return classify(err)
}

// =============================================================================
// SCANNING / CLASSIFICATION HELPERS
// =============================================================================

func scanState(row pgx.Row, userID xp.UserID) (xp.UserXpState, error) {
	var state xp.UserXpState
	err := row.Scan(&state.UserID, &state.TotalXP, &state.CurrentLevel, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return xp.UserXpState{}, xp.NewError(xp.KindProfileNotFound, "no XP profile for user %s", userID)
	}
	if err != nil {
		return xp.UserXpState{}, classify(err)
	}
	return state, nil
}

func scanEvent(row pgx.Row) (xp.XpEvent, error) {
	var (
		ev           xp.XpEvent
		referenceID  *string
		metadataJSON []byte
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.Source.SourceType, &ev.Source.ActionType,
		&ev.XPDelta, &ev.XPRequested, &ev.XPBefore, &ev.XPAfter,
		&ev.LevelBefore, &ev.LevelAfter, &ev.IdempotencyKey,
		&referenceID, &metadataJSON, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ev, err
		}
		return ev, classify(err)
	}

	if referenceID != nil {
		ev.ReferenceID = *referenceID
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
			return ev, xp.WrapError(xp.KindDatabase, err,
				"corrupt metadata on event %s", ev.ID)
		}
	}
	return ev, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classify maps PostgreSQL SQLSTATE codes and constraint names into the
// engine taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			switch pgErr.ConstraintName {
			case constraintUnlock:
				return xp.WrapError(xp.KindAlreadyUnlocked, err, "unlock already recorded")
			case constraintEventKey:
				return xp.WrapError(xp.KindConflictMismatch, err, "idempotency key already recorded")
			}
			return xp.WrapError(xp.KindDatabase, err, "unique constraint violated")
		case "55P03": // lock_not_available
			return xp.WrapError(xp.KindLockNotAcquired, err, "row lock not acquired within lock_timeout")
		case "40001": // serialization_failure
			return xp.WrapError(xp.KindLockNotAcquired, err, "transaction serialization failure")
		}
		return xp.WrapError(xp.KindDatabase, err, "postgres error %s", pgErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xp.WrapError(xp.KindDatabase, err, "query canceled")
	}
	return xp.WrapError(xp.KindDatabase, err, "postgres error")
}
