/*
Package sqlite provides a SQLite-backed implementation of the xp.Store
contract.

PURPOSE:
  Durable single-process storage for the XP ledger: the append-only
  xp_events table, the mutable user_xp_state aggregate, and the
  achievement_unlocks table - with the per-user serialization point the
  crediting protocol requires.

SERIALIZATION:
  SQLite has a single writer, which already prevents interleaved writes,
  but the protocol needs read-modify-write exclusion per user ACROSS the
  whole callback. A per-user channel token provides it; tokens for
  different users never contend, so credits for different users proceed
  independently.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE ever touches xp_events. The only mutable row is the
  per-user aggregate, written in the same transaction as its event.

ERROR CLASSIFICATION:
  Driver errors are classified by sqlite3 extended result codes
  (ErrConstraintUnique, ErrBusy, ...), never by matching message text.
  Which taxonomy kind a unique violation maps to depends on the call site:
  an event insert conflict is a key conflict, an unlock insert conflict is
  AlreadyUnlocked.

WAL MODE:
  Opened with WAL so readers do not block behind the writer.

USAGE:
  st, err := sqlite.New("./xp.db")    // or ":memory:"
  defer st.Close()
  svc := xp.NewCreditService(st, levels)

SEE ALSO:
  - xp/store.go: Contract definition
  - store/memory.go: In-memory implementation for tests
  - store/postgres/: Multi-process implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/xp-engine/xp"
)

// DefaultLockWait bounds the wait for the per-user serialization point.
const DefaultLockWait = 2 * time.Second

// timeLayout is RFC 3339 with a fixed-width fractional second. Timestamps
// live in TEXT columns and ORDER BY compares them lexicographically, so the
// format must never trim trailing zeros the way RFC3339Nano does.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements xp.Store on SQLite.
type Store struct {
	db       *sql.DB
	lockWait time.Duration

	mu    sync.Mutex
	locks map[xp.UserID]chan struct{}
}

var _ xp.Store = (*Store)(nil)

// New opens (creating if needed) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The per-user tokens serialize writers at the store level; a single
	// connection keeps :memory: databases coherent as well.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:       db,
		lockWait: DefaultLockWait,
		locks:    make(map[xp.UserID]chan struct{}),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// SetLockWait overrides the bounded lock wait.
func (s *Store) SetLockWait(d time.Duration) { s.lockWait = d }

func (s *Store) migrate() error {
	schema := `
	-- Mutable per-user aggregate. Owned by the store, mutated only inside
	-- the crediting transaction.
	CREATE TABLE IF NOT EXISTS user_xp_state (
		user_id TEXT PRIMARY KEY,
		total_xp INTEGER NOT NULL DEFAULT 0,
		current_level INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	-- Append-only event ledger. idempotency_key uniqueness is THE
	-- exactly-once guarantee.
	CREATE TABLE IF NOT EXISTS xp_events (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		action_type TEXT NOT NULL,
		xp_delta INTEGER NOT NULL,
		xp_requested INTEGER NOT NULL,
		xp_before INTEGER NOT NULL,
		xp_after INTEGER NOT NULL,
		level_before INTEGER NOT NULL,
		level_after INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		reference_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_xp_events_user
		ON xp_events(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_xp_events_reference
		ON xp_events(reference_id) WHERE reference_id IS NOT NULL;

	-- Durable unlock facts, written atomically with their reward event.
	CREATE TABLE IF NOT EXISTS achievement_unlocks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL,
		event_id TEXT,
		reference_id TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(user_id, code)
	);

	CREATE INDEX IF NOT EXISTS idx_unlocks_user
		ON achievement_unlocks(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PER-USER SERIALIZATION
// =============================================================================

func (s *Store) acquire(ctx context.Context, userID xp.UserID) (release func(), err error) {
	s.mu.Lock()
	ch, ok := s.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[userID] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, xp.WrapError(xp.KindLockNotAcquired, ctx.Err(),
			"canceled while waiting for user %s lock", userID)
	case <-timer.C:
		return nil, xp.NewError(xp.KindLockNotAcquired,
			"user %s lock not acquired within %v", userID, s.lockWait)
	}
}

// WithUserLock runs fn inside a database transaction while holding the
// per-user token. Commit only when fn returns nil.
func (s *Store) WithUserLock(ctx context.Context, userID xp.UserID, fn func(tx xp.Tx) error) error {
	release, err := s.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, xp.KindDatabase)
	}
	defer sqlTx.Rollback()

	if err := fn(&storeTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err, xp.KindDatabase)
	}
	return nil
}

// =============================================================================
// LOCK-FREE READS
// =============================================================================

// CreateProfile registers a zero-total aggregate. Idempotent.
func (s *Store) CreateProfile(ctx context.Context, userID xp.UserID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_xp_state (user_id, total_xp, current_level, updated_at)
		VALUES (?, 0, 1, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return classify(err, xp.KindDatabase)
	}
	return nil
}

func (s *Store) State(ctx context.Context, userID xp.UserID) (xp.UserXpState, error) {
	return scanState(s.db.QueryRowContext(ctx, `
		SELECT user_id, total_xp, current_level, updated_at
		FROM user_xp_state WHERE user_id = ?`, userID), userID)
}

func (s *Store) Events(ctx context.Context, userID xp.UserID) ([]xp.XpEvent, error) {
	rows, err := s.db.QueryContext(ctx, eventColumns+`
		FROM xp_events WHERE user_id = ?
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, classify(err, xp.KindDatabase)
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
		return nil, classify(err, xp.KindDatabase)
	}
	return events, nil
}

// =============================================================================
// TRANSACTION VIEW (xp.Tx)
// =============================================================================

type storeTx struct {
	tx *sql.Tx
}

var _ xp.Tx = (*storeTx)(nil)

const eventColumns = `
	SELECT id, user_id, source_type, action_type, xp_delta, xp_requested,
	       xp_before, xp_after, level_before, level_after, idempotency_key,
	       reference_id, metadata_json, created_at`

func (t *storeTx) EventByKey(ctx context.Context, key string) (*xp.XpEvent, error) {
	row := t.tx.QueryRowContext(ctx, eventColumns+`
		FROM xp_events WHERE idempotency_key = ?`, key)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (t *storeTx) State(ctx context.Context, userID xp.UserID) (xp.UserXpState, error) {
	return scanState(t.tx.QueryRowContext(ctx, `
		SELECT user_id, total_xp, current_level, updated_at
		FROM user_xp_state WHERE user_id = ?`, userID), userID)
}

func (t *storeTx) Stats(ctx context.Context, userID xp.UserID) (xp.UserStats, error) {
	state, err := t.State(ctx, userID)
	if err != nil {
		return xp.UserStats{}, err
	}

	var stats xp.UserStats
	stats.TotalXP = state.TotalXP
	stats.CurrentLevel = state.CurrentLevel

	err = t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM xp_events WHERE user_id = ?`, userID).Scan(&stats.EventCount)
	if err != nil {
		return xp.UserStats{}, classify(err, xp.KindDatabase)
	}
	err = t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM achievement_unlocks WHERE user_id = ?`, userID).Scan(&stats.UnlockCount)
	if err != nil {
		return xp.UserStats{}, classify(err, xp.KindDatabase)
	}
	return stats, nil
}

// AppendEvent writes the event row and the aggregate update as one unit
// (both run inside the surrounding transaction).
func (t *storeTx) AppendEvent(ctx context.Context, ev xp.XpEvent, state xp.UserXpState) error {
	metadataJSON, _ := json.Marshal(ev.Metadata)

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO xp_events
		(id, user_id, source_type, action_type, xp_delta, xp_requested, xp_before,
		 xp_after, level_before, level_after, idempotency_key, reference_id,
		 metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.Source.SourceType, ev.Source.ActionType,
		ev.XPDelta, ev.XPRequested, ev.XPBefore, ev.XPAfter, ev.LevelBefore,
		ev.LevelAfter, ev.IdempotencyKey, nullString(ev.ReferenceID),
		string(metadataJSON), ev.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		// The protocol checks EventByKey before inserting, so a unique
		// violation here means a racing writer won the key.
		return classify(err, xp.KindConflictMismatch)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE user_xp_state
		SET total_xp = ?, current_level = ?, updated_at = ?
		WHERE user_id = ?`,
		state.TotalXP, state.CurrentLevel,
		state.UpdatedAt.UTC().Format(timeLayout), state.UserID)
	if err != nil {
		return classify(err, xp.KindDatabase)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xp.NewError(xp.KindProfileNotFound, "no XP profile for user %s", state.UserID)
	}
	return nil
}

func (t *storeTx) Unlocked(ctx context.Context, userID xp.UserID, code string) (*xp.Unlock, error) {
	var (
		u           xp.Unlock
		eventID     sql.NullString
		referenceID sql.NullString
		createdAt   string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, code, event_id, reference_id, created_at
		FROM achievement_unlocks WHERE user_id = ? AND code = ?`,
		userID, code).Scan(&u.ID, &u.UserID, &u.Code, &eventID, &referenceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, xp.KindDatabase)
	}

	u.EventID = xp.EventID(eventID.String)
	u.ReferenceID = referenceID.String
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &u, nil
}

func (t *storeTx) RecordUnlock(ctx context.Context, u xp.Unlock) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO achievement_unlocks (id, user_id, code, event_id, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.Code, nullString(string(u.EventID)),
		nullString(u.ReferenceID), u.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return classify(err, xp.KindAlreadyUnlocked)
	}
	return nil
}

// =============================================================================
// SCANNING / CLASSIFICATION HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner, userID xp.UserID) (xp.UserXpState, error) {
	var (
		state     xp.UserXpState
		updatedAt string
	)
	err := row.Scan(&state.UserID, &state.TotalXP, &state.CurrentLevel, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return xp.UserXpState{}, xp.NewError(xp.KindProfileNotFound, "no XP profile for user %s", userID)
	}
	if err != nil {
		return xp.UserXpState{}, classify(err, xp.KindDatabase)
	}
	state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return state, nil
}

func scanEvent(row rowScanner) (xp.XpEvent, error) {
	var (
		ev           xp.XpEvent
		referenceID  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.Source.SourceType, &ev.Source.ActionType,
		&ev.XPDelta, &ev.XPRequested, &ev.XPBefore, &ev.XPAfter,
		&ev.LevelBefore, &ev.LevelAfter, &ev.IdempotencyKey,
		&referenceID, &metadataJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ev, err
		}
		return ev, classify(err, xp.KindDatabase)
	}

	ev.ReferenceID = referenceID.String
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &ev.Metadata); err != nil {
			return ev, xp.WrapError(xp.KindDatabase, err,
				"corrupt metadata on event %s", ev.ID)
		}
	}
	return ev, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// classify maps sqlite extended result codes into the engine taxonomy.
// uniqueKind names the kind a unique violation means at this call site.
func classify(err error, uniqueKind xp.Kind) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return xp.WrapError(uniqueKind, err, "unique constraint violated")
		}
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return xp.WrapError(xp.KindLockNotAcquired, err, "database busy")
		}
	}
	return xp.WrapError(xp.KindDatabase, err, "sqlite error")
}
