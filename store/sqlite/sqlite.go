/*
Package sqlite provides a SQLite-backed implementation of reaction.Store.

PURPOSE:
  Durable storage for subjects, active reactions and the transition history.
  The same schema carries over to PostgreSQL (store/postgres) with dialect
  changes only.

KEY TABLES:
  subjects:          One row per post/comment with cached counters and version
  reactions:         Active (subject, voter) reactions. Up/down only; a voter
                     at None has no row.
  reaction_history:  Append-only log of every applied transition

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on reaction_history
  - No DELETE statements on reaction_history (except Reset)

CONCURRENCY:
  SQLite is a single-writer database. The store is opened with one
  connection and WAL, so writes are serialized by the database itself.
  ApplyAtomically additionally takes the subject's lock from a
  reaction.SubjectLocks registry around its transaction, which keeps the
  read-compute-write unit correct independent of the pool size.

  Throughput is bounded by the single writer. This is the accepted
  trade-off for an embedded database; use store/postgres for parallel
  writers.

USAGE:
  store, err := sqlite.New("./data/reactions.db", reaction.StoreOptions{AutoCreate: true})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := reaction.NewLedger(store, nil, nil)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - reaction/store.go: Interface definition
  - reaction/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/algosocial/reaction-ledger/reaction"
)

// Store implements reaction.Store using SQLite.
type Store struct {
	db    *sql.DB
	opts  reaction.StoreOptions
	locks *reaction.SubjectLocks
	now   func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts reaction.StoreOptions) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:    db,
		opts:  opts,
		locks: reaction.NewSubjectLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT '',
		upvotes INTEGER NOT NULL DEFAULT 0 CHECK (upvotes >= 0),
		downvotes INTEGER NOT NULL DEFAULT 0 CHECK (downvotes >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Active reactions only. None is the absence of a row.
	CREATE TABLE IF NOT EXISTS reactions (
		subject_id TEXT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		voter_id TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('up', 'down')),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (subject_id, voter_id)
	);

	-- Append-only transition log
	CREATE TABLE IF NOT EXISTS reaction_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		subject_id TEXT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		voter_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		delta_up INTEGER NOT NULL,
		delta_down INTEGER NOT NULL,
		idempotency_token TEXT,
		applied_at TEXT NOT NULL
	);

	-- Snapshot and audit read the history of one subject in order (hot path)
	CREATE INDEX IF NOT EXISTS idx_history_subject_seq
		ON reaction_history(subject_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SUBJECTS
// =============================================================================

func (s *Store) CreateSubject(ctx context.Context, subj reaction.Subject) (reaction.Subject, error) {
	if subj.ID == "" {
		return reaction.Subject{}, reaction.ErrMissingSubject
	}
	now := s.now()
	created := reaction.Subject{ID: subj.ID, Kind: subj.Kind, CreatedAt: now, UpdatedAt: now}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (id, kind, upvotes, downvotes, version, created_at, updated_at)
		 VALUES (?, ?, 0, 0, 0, ?, ?)`,
		created.ID, string(created.Kind), formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return reaction.Subject{}, reaction.ErrSubjectExists
		}
		return reaction.Subject{}, errors.Wrap(err, "insert subject")
	}
	return created, nil
}

func (s *Store) Subject(ctx context.Context, id reaction.SubjectID) (reaction.Subject, error) {
	return getSubject(ctx, s.db, id)
}

func (s *Store) ListSubjects(ctx context.Context) ([]reaction.Subject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, upvotes, downvotes, version, created_at, updated_at
		 FROM subjects ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query subjects")
	}
	defer rows.Close()

	out := []reaction.Subject{}
	for rows.Next() {
		subj, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, subj)
	}
	return out, errors.Wrap(rows.Err(), "iterate subjects")
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyAtomically runs read-compute-write-append in one SQL transaction under
// the subject's lock.
func (s *Store) ApplyAtomically(ctx context.Context, req reaction.Request) (reaction.Outcome, error) {
	if !req.Requested.Requestable() {
		return reaction.Outcome{}, &reaction.InvalidReactionError{Value: string(req.Requested)}
	}

	unlock := s.locks.Lock(req.SubjectID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return reaction.Outcome{}, err
	}
	// Past this point the unit runs to completion.
	ctx = context.WithoutCancel(ctx)

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reaction.Outcome{}, errors.Wrap(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	now := s.now()
	subj, err := s.subjectForUpdate(ctx, sqlTx, req.SubjectID, now)
	if err != nil {
		return reaction.Outcome{}, err
	}

	current, err := getState(ctx, sqlTx, req.SubjectID, req.VoterID)
	if err != nil {
		return reaction.Outcome{}, err
	}
	t, err := reaction.Compute(current, req.Requested)
	if err != nil {
		return reaction.Outcome{}, err
	}

	if t.Next == reaction.StateNone {
		_, err = sqlTx.ExecContext(ctx,
			`DELETE FROM reactions WHERE subject_id = ? AND voter_id = ?`,
			req.SubjectID, req.VoterID)
	} else {
		_, err = sqlTx.ExecContext(ctx,
			`INSERT INTO reactions (subject_id, voter_id, state, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (subject_id, voter_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
			req.SubjectID, req.VoterID, string(t.Next), formatTime(now))
	}
	if err != nil {
		return reaction.Outcome{}, errors.Wrap(err, "write reaction")
	}

	subj = subj.Apply(t, now)
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE subjects SET upvotes = ?, downvotes = ?, version = ?, updated_at = ? WHERE id = ?`,
		subj.Upvotes, subj.Downvotes, subj.Version, formatTime(now), subj.ID,
	); err != nil {
		return reaction.Outcome{}, errors.Wrap(err, "update counters")
	}

	entry := reaction.HistoryEntry{
		ID:               uuid.NewString(),
		SubjectID:        req.SubjectID,
		VoterID:          req.VoterID,
		From:             t.Current,
		To:               t.Next,
		DeltaUp:          t.DeltaUp,
		DeltaDown:        t.DeltaDown,
		IdempotencyToken: req.IdempotencyToken,
		AppliedAt:        now,
	}
	res, err := sqlTx.ExecContext(ctx,
		`INSERT INTO reaction_history
		 (id, subject_id, voter_id, from_state, to_state, delta_up, delta_down, idempotency_token, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SubjectID, entry.VoterID, string(entry.From), string(entry.To),
		entry.DeltaUp, entry.DeltaDown, nullString(entry.IdempotencyToken), formatTime(now),
	)
	if err != nil {
		return reaction.Outcome{}, errors.Wrap(err, "append history")
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return reaction.Outcome{}, errors.Wrap(err, "history seq")
	}

	if err := sqlTx.Commit(); err != nil {
		return reaction.Outcome{}, errors.Wrap(err, "commit")
	}
	return reaction.Outcome{
		Aggregate:  reaction.AggregateFor(subj, t.Next),
		Transition: t,
		Entry:      entry,
	}, nil
}

// subjectForUpdate loads the subject row, creating it first when AutoCreate
// is on.
func (s *Store) subjectForUpdate(ctx context.Context, sqlTx *sql.Tx, id reaction.SubjectID, now time.Time) (reaction.Subject, error) {
	if s.opts.AutoCreate {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO subjects (id, kind, upvotes, downvotes, version, created_at, updated_at)
			 VALUES (?, '', 0, 0, 0, ?, ?) ON CONFLICT (id) DO NOTHING`,
			id, formatTime(now), formatTime(now),
		); err != nil {
			return reaction.Subject{}, errors.Wrap(err, "create subject")
		}
	}
	return getSubject(ctx, sqlTx, id)
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Aggregate(ctx context.Context, subjectID reaction.SubjectID, voterID reaction.VoterID) (reaction.Aggregate, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reaction.Aggregate{}, errors.Wrap(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	subj, err := getSubject(ctx, sqlTx, subjectID)
	if err != nil {
		return reaction.Aggregate{}, err
	}
	state := reaction.StateNone
	if voterID != "" {
		if state, err = getState(ctx, sqlTx, subjectID, voterID); err != nil {
			return reaction.Aggregate{}, err
		}
	}
	return reaction.AggregateFor(subj, state), nil
}

func (s *Store) Snapshot(ctx context.Context, subjectID reaction.SubjectID) (reaction.Snapshot, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reaction.Snapshot{}, errors.Wrap(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	subj, err := getSubject(ctx, sqlTx, subjectID)
	if err != nil {
		return reaction.Snapshot{}, err
	}
	snap := reaction.Snapshot{Subject: subj}

	rows, err := sqlTx.QueryContext(ctx,
		`SELECT voter_id, state, updated_at FROM reactions WHERE subject_id = ? ORDER BY voter_id`,
		subjectID)
	if err != nil {
		return reaction.Snapshot{}, errors.Wrap(err, "query reactions")
	}
	for rows.Next() {
		r := reaction.Reaction{SubjectID: subjectID}
		var state, updatedAt string
		if err := rows.Scan(&r.VoterID, &state, &updatedAt); err != nil {
			rows.Close()
			return reaction.Snapshot{}, errors.Wrap(err, "scan reaction")
		}
		r.State = reaction.State(state)
		r.UpdatedAt = parseTime(updatedAt)
		snap.Reactions = append(snap.Reactions, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return reaction.Snapshot{}, errors.Wrap(err, "iterate reactions")
	}

	rows, err = sqlTx.QueryContext(ctx,
		`SELECT seq, id, voter_id, from_state, to_state, delta_up, delta_down, idempotency_token, applied_at
		 FROM reaction_history WHERE subject_id = ? ORDER BY seq`,
		subjectID)
	if err != nil {
		return reaction.Snapshot{}, errors.Wrap(err, "query history")
	}
	defer rows.Close()
	for rows.Next() {
		e := reaction.HistoryEntry{SubjectID: subjectID}
		var from, to, appliedAt string
		var token sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.VoterID, &from, &to, &e.DeltaUp, &e.DeltaDown, &token, &appliedAt); err != nil {
			return reaction.Snapshot{}, errors.Wrap(err, "scan history")
		}
		e.From = reaction.State(from)
		e.To = reaction.State(to)
		e.IdempotencyToken = token.String
		e.AppliedAt = parseTime(appliedAt)
		snap.History = append(snap.History, e)
	}
	return snap, errors.Wrap(rows.Err(), "iterate history")
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	for _, table := range []string{"reaction_history", "reactions", "subjects"} {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "clear %s", table)
		}
	}
	return errors.Wrap(sqlTx.Commit(), "commit")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getSubject(ctx context.Context, q queryer, id reaction.SubjectID) (reaction.Subject, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, kind, upvotes, downvotes, version, created_at, updated_at
		 FROM subjects WHERE id = ?`, id)
	subj, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reaction.Subject{}, &reaction.UnknownSubjectError{SubjectID: id}
	}
	return subj, err
}

func scanSubject(row rowScanner) (reaction.Subject, error) {
	var subj reaction.Subject
	var kind, createdAt, updatedAt string
	err := row.Scan(&subj.ID, &kind, &subj.Upvotes, &subj.Downvotes, &subj.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return reaction.Subject{}, err
	}
	if err != nil {
		return reaction.Subject{}, errors.Wrap(err, "scan subject")
	}
	subj.Kind = reaction.SubjectKind(kind)
	subj.CreatedAt = parseTime(createdAt)
	subj.UpdatedAt = parseTime(updatedAt)
	return subj, nil
}

func getState(ctx context.Context, q queryer, subjectID reaction.SubjectID, voterID reaction.VoterID) (reaction.State, error) {
	var state string
	err := q.QueryRowContext(ctx,
		`SELECT state FROM reactions WHERE subject_id = ? AND voter_id = ?`,
		subjectID, voterID).Scan(&state)
	if err == sql.ErrNoRows {
		return reaction.StateNone, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read reaction")
	}
	return reaction.State(state), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
