/*
store.go - Persistence interface for subjects, reactions and history

PURPOSE:
  Defines the boundary between the ledger and the database. A Store holds
  per-(subject, voter) state and per-subject counters, and exposes one write:
  ApplyAtomically.

ATOMICITY CONTRACT:
  ApplyAtomically reads the voter's current state (None when absent), calls
  Compute, writes the new state, updates the counters and appends a
  HistoryEntry - as one indivisible unit with respect to every other
  ApplyAtomically call for the same subject. Calls for different subjects
  must not wait on each other beyond what the database itself imposes.

  Once the critical section is entered it runs to completion: implementations
  detach from the caller's cancellation so a caller timeout never leaves a
  half-applied transition.

IMPLEMENTATIONS:
  - reaction/store/memory.go: per-subject mutexes, for tests and dev
  - store/sqlite/sqlite.go: SQLite (single writer, WAL)
  - store/postgres/postgres.go: PostgreSQL, row lock per subject
*/
package reaction

import "context"

// StoreOptions configures behavior shared by every Store implementation.
type StoreOptions struct {
	// AutoCreate makes ApplyAtomically create unknown subjects on first reaction.
	// When false it fails with ErrUnknownSubject.
	AutoCreate bool
}

// Store persists subjects, reactions and the transition history.
type Store interface {
	// CreateSubject registers a subject with zero counters.
	// Fails with ErrSubjectExists if the id is taken.
	CreateSubject(ctx context.Context, subject Subject) (Subject, error)

	// Subject returns one subject or ErrUnknownSubject.
	Subject(ctx context.Context, id SubjectID) (Subject, error)

	// ListSubjects returns all subjects ordered by id.
	ListSubjects(ctx context.Context) ([]Subject, error)

	// ApplyAtomically applies one requested reaction. This is the ONLY write
	// to reactions and counters.
	ApplyAtomically(ctx context.Context, req Request) (Outcome, error)

	// Aggregate returns the subject's counters and voterID's own state.
	// An empty voterID yields CallerReaction None.
	Aggregate(ctx context.Context, subjectID SubjectID, voterID VoterID) (Aggregate, error)

	// Snapshot returns subject, active reactions and full history, read
	// consistently with respect to ApplyAtomically.
	Snapshot(ctx context.Context, subjectID SubjectID) (Snapshot, error)
}

// Resetter is implemented by stores that can be wiped (demo scenarios).
type Resetter interface {
	Reset(ctx context.Context) error
}
