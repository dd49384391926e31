/*
Package postgres provides a PostgreSQL-backed implementation of reaction.Store.

PURPOSE:
  Production storage for deployments with more than one writer. Schema and
  semantics match store/sqlite; only the locking differs.

CONCURRENCY:
  ApplyAtomically locks the subject row with SELECT ... FOR UPDATE inside a
  transaction. Writers to the same subject queue on that row lock; writers to
  different subjects run in parallel. No in-process lock is needed, so several
  server processes may share one database.

  Lazily created subjects are inserted with ON CONFLICT DO NOTHING before the
  row lock is taken, so two first votes racing on a new subject both land on
  the same row.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"), reaction.StoreOptions{})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/algosocial/reaction-ledger/reaction"
)

const defaultTimeout = 3 * time.Second

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Store implements reaction.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	opts reaction.StoreOptions
}

// New connects, configures the pool and migrates the schema.
func New(ctx context.Context, dsn string, opts reaction.StoreOptions) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 2 * time.Hour
	config.MaxConnIdleTime = 5 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	s := &Store{pool: pool, opts: opts}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT '',
		upvotes BIGINT NOT NULL DEFAULT 0 CHECK (upvotes >= 0),
		downvotes BIGINT NOT NULL DEFAULT 0 CHECK (downvotes >= 0),
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS reactions (
		subject_id TEXT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		voter_id TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('up', 'down')),
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (subject_id, voter_id)
	);

	CREATE TABLE IF NOT EXISTS reaction_history (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		subject_id TEXT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		voter_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		delta_up SMALLINT NOT NULL,
		delta_down SMALLINT NOT NULL,
		idempotency_token TEXT,
		applied_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_subject_seq
		ON reaction_history(subject_id, seq);
	`)
	return err
}

// runInTx commits when fn succeeds and rolls back otherwise.
func (s *Store) runInTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}

// =============================================================================
// SUBJECTS
// =============================================================================

func (s *Store) CreateSubject(ctx context.Context, subj reaction.Subject) (reaction.Subject, error) {
	if subj.ID == "" {
		return reaction.Subject{}, reaction.ErrMissingSubject
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO subjects (id, kind) VALUES ($1, $2)
		 RETURNING id, kind, upvotes, downvotes, version, created_at, updated_at`,
		string(subj.ID), string(subj.Kind))
	created, err := scanSubject(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return reaction.Subject{}, reaction.ErrSubjectExists
		}
		return reaction.Subject{}, errors.Wrap(err, "insert subject")
	}
	return created, nil
}

func (s *Store) Subject(ctx context.Context, id reaction.SubjectID) (reaction.Subject, error) {
	return getSubject(ctx, s.pool, id, "")
}

func (s *Store) ListSubjects(ctx context.Context) ([]reaction.Subject, error) {
	rows, err := s.pool.Query(ctx,
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
			return nil, errors.Wrap(err, "scan subject")
		}
		out = append(out, subj)
	}
	return out, errors.Wrap(rows.Err(), "iterate subjects")
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyAtomically runs read-compute-write-append in one transaction holding
// the subject's row lock.
func (s *Store) ApplyAtomically(ctx context.Context, req reaction.Request) (reaction.Outcome, error) {
	if !req.Requested.Requestable() {
		return reaction.Outcome{}, &reaction.InvalidReactionError{Value: string(req.Requested)}
	}
	if err := ctx.Err(); err != nil {
		return reaction.Outcome{}, err
	}
	// A canceled caller must not abort a half-applied unit; the row lock wait
	// is bounded by the database's lock_timeout instead.
	ctx = context.WithoutCancel(ctx)

	var out reaction.Outcome
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		if s.opts.AutoCreate {
			if _, err := tx.Exec(ctx,
				`INSERT INTO subjects (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
				string(req.SubjectID)); err != nil {
				return errors.Wrap(err, "create subject")
			}
		}
		subj, err := getSubject(ctx, tx, req.SubjectID, " FOR UPDATE")
		if err != nil {
			return err
		}

		current, err := getState(ctx, tx, req.SubjectID, req.VoterID)
		if err != nil {
			return err
		}
		t, err := reaction.Compute(current, req.Requested)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if t.Next == reaction.StateNone {
			_, err = tx.Exec(ctx,
				`DELETE FROM reactions WHERE subject_id = $1 AND voter_id = $2`,
				string(req.SubjectID), string(req.VoterID))
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO reactions (subject_id, voter_id, state, updated_at) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (subject_id, voter_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
				string(req.SubjectID), string(req.VoterID), string(t.Next), now)
		}
		if err != nil {
			return errors.Wrap(err, "write reaction")
		}

		subj = subj.Apply(t, now)
		if _, err := tx.Exec(ctx,
			`UPDATE subjects SET upvotes = $1, downvotes = $2, version = $3, updated_at = $4 WHERE id = $5`,
			subj.Upvotes, subj.Downvotes, subj.Version, now, string(subj.ID)); err != nil {
			return errors.Wrap(err, "update counters")
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
		if err := tx.QueryRow(ctx,
			`INSERT INTO reaction_history
			 (id, subject_id, voter_id, from_state, to_state, delta_up, delta_down, idempotency_token, applied_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
			 RETURNING seq`,
			entry.ID, string(entry.SubjectID), string(entry.VoterID), string(entry.From), string(entry.To),
			entry.DeltaUp, entry.DeltaDown, entry.IdempotencyToken, now,
		).Scan(&entry.Seq); err != nil {
			return errors.Wrap(err, "append history")
		}

		out = reaction.Outcome{
			Aggregate:  reaction.AggregateFor(subj, t.Next),
			Transition: t,
			Entry:      entry,
		}
		return nil
	})
	return out, err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) Aggregate(ctx context.Context, subjectID reaction.SubjectID, voterID reaction.VoterID) (reaction.Aggregate, error) {
	var agg reaction.Aggregate
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		subj, err := getSubject(ctx, tx, subjectID, "")
		if err != nil {
			return err
		}
		state := reaction.StateNone
		if voterID != "" {
			if state, err = getState(ctx, tx, subjectID, voterID); err != nil {
				return err
			}
		}
		agg = reaction.AggregateFor(subj, state)
		return nil
	})
	return agg, err
}

// Snapshot reads under FOR SHARE so no transition commits halfway through.
func (s *Store) Snapshot(ctx context.Context, subjectID reaction.SubjectID) (reaction.Snapshot, error) {
	var snap reaction.Snapshot
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		subj, err := getSubject(ctx, tx, subjectID, " FOR SHARE")
		if err != nil {
			return err
		}
		snap.Subject = subj

		rows, err := tx.Query(ctx,
			`SELECT voter_id, state, updated_at FROM reactions WHERE subject_id = $1 ORDER BY voter_id`,
			string(subjectID))
		if err != nil {
			return errors.Wrap(err, "query reactions")
		}
		for rows.Next() {
			var voter, state string
			r := reaction.Reaction{SubjectID: subjectID}
			if err := rows.Scan(&voter, &state, &r.UpdatedAt); err != nil {
				rows.Close()
				return errors.Wrap(err, "scan reaction")
			}
			r.VoterID = reaction.VoterID(voter)
			r.State = reaction.State(state)
			snap.Reactions = append(snap.Reactions, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "iterate reactions")
		}

		rows, err = tx.Query(ctx,
			`SELECT seq, id, voter_id, from_state, to_state, delta_up, delta_down,
			        COALESCE(idempotency_token, ''), applied_at
			 FROM reaction_history WHERE subject_id = $1 ORDER BY seq`,
			string(subjectID))
		if err != nil {
			return errors.Wrap(err, "query history")
		}
		defer rows.Close()
		for rows.Next() {
			var voter, from, to string
			var dUp, dDown int16
			e := reaction.HistoryEntry{SubjectID: subjectID}
			if err := rows.Scan(&e.Seq, &e.ID, &voter, &from, &to, &dUp, &dDown, &e.IdempotencyToken, &e.AppliedAt); err != nil {
				return errors.Wrap(err, "scan history")
			}
			e.VoterID = reaction.VoterID(voter)
			e.From = reaction.State(from)
			e.To = reaction.State(to)
			e.DeltaUp = int64(dUp)
			e.DeltaDown = int64(dDown)
			snap.History = append(snap.History, e)
		}
		return errors.Wrap(rows.Err(), "iterate history")
	})
	return snap, err
}

// Reset clears all data (for demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE reaction_history, reactions, subjects RESTART IDENTITY`)
	return errors.Wrap(err, "truncate")
}

// =============================================================================
// HELPERS
// =============================================================================

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getSubject(ctx context.Context, q querier, id reaction.SubjectID, lock string) (reaction.Subject, error) {
	row := q.QueryRow(ctx,
		`SELECT id, kind, upvotes, downvotes, version, created_at, updated_at
		 FROM subjects WHERE id = $1`+lock, string(id))
	subj, err := scanSubject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return reaction.Subject{}, &reaction.UnknownSubjectError{SubjectID: id}
	}
	if err != nil {
		return reaction.Subject{}, errors.Wrap(err, "read subject")
	}
	return subj, nil
}

func scanSubject(row pgx.Row) (reaction.Subject, error) {
	var id, kind string
	var subj reaction.Subject
	if err := row.Scan(&id, &kind, &subj.Upvotes, &subj.Downvotes, &subj.Version, &subj.CreatedAt, &subj.UpdatedAt); err != nil {
		return reaction.Subject{}, err
	}
	subj.ID = reaction.SubjectID(id)
	subj.Kind = reaction.SubjectKind(kind)
	subj.CreatedAt = subj.CreatedAt.UTC()
	subj.UpdatedAt = subj.UpdatedAt.UTC()
	return subj, nil
}

func getState(ctx context.Context, q querier, subjectID reaction.SubjectID, voterID reaction.VoterID) (reaction.State, error) {
	var state string
	err := q.QueryRow(ctx,
		`SELECT state FROM reactions WHERE subject_id = $1 AND voter_id = $2`,
		string(subjectID), string(voterID)).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return reaction.StateNone, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "read reaction")
	}
	return reaction.State(state), nil
}
