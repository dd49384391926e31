/*
Package reaction provides the vote ledger behind every upvote/downvote button.

PURPOSE:
  Posts and comments can be reacted to with an upvote or a downvote. This
  package owns the rules for how one voter's reaction changes, the per-subject
  tallies those reactions add up to, and the guarantee that a tally never
  double-counts a voter - no matter how many voters click at once or how many
  times a flaky network retries the same click.

KEY CONCEPTS IN THIS FILE (types.go):
  - State: a voter's stance on a subject (none, up, down)
  - Subject: a post or comment with its aggregate counters
  - Reaction: one voter's non-none stance on one subject
  - Request: one click, carrying an idempotency token
  - Aggregate: what the client renders (counts + the caller's own state)
  - HistoryEntry: append-only record of every applied transition

INVARIANTS (hold for every subject at all times):
  Upvotes   == number of Reactions with State Up
  Downvotes == number of Reactions with State Down
  Upvotes, Downvotes >= 0
  Score is derived (Upvotes - Downvotes), never stored.

SEE ALSO:
  - transition.go: the transition table
  - store.go: persistence interface with ApplyAtomically
  - ledger.go: SubmitReaction, the request-handling entry point
  - view.go: read path for the presentation layer
*/
package reaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// SubjectID identifies a post or comment. Opaque to the ledger.
type SubjectID string

// VoterID identifies an authenticated voter (wallet address in the web client).
type VoterID string

// SubjectKind tells what sort of content a subject is.
type SubjectKind string

const (
	KindUnspecified SubjectKind = ""
	KindPost        SubjectKind = "post"
	KindComment     SubjectKind = "comment"
)

// Valid reports whether k is a known kind. Unspecified is valid: lazily
// created subjects carry no kind.
func (k SubjectKind) Valid() bool {
	switch k {
	case KindUnspecified, KindPost, KindComment:
		return true
	}
	return false
}

// =============================================================================
// STATE - A voter's stance on a subject
// =============================================================================

type State string

const (
	StateNone State = "none"
	StateUp   State = "up"
	StateDown State = "down"
)

// Valid reports whether s is one of the three states.
func (s State) Valid() bool {
	return s == StateNone || s == StateUp || s == StateDown
}

// Requestable reports whether s may be requested by a voter.
// None is only ever a resulting state, never a request.
func (s State) Requestable() bool {
	return s == StateUp || s == StateDown
}

// ParseState converts user input into a State. Empty input means None.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNone, "":
		return StateNone, nil
	case StateUp:
		return StateUp, nil
	case StateDown:
		return StateDown, nil
	}
	return "", &InvalidReactionError{Value: s}
}

// =============================================================================
// SUBJECT - Content that can receive reactions
// =============================================================================

// Subject owns the aggregate counters for one post or comment.
type Subject struct {
	ID        SubjectID
	Kind      SubjectKind
	Upvotes   int64
	Downvotes int64
	// Version counts applied transitions. Subscribers use it to drop stale tallies.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Subject) Score() int64 { return s.Upvotes - s.Downvotes }

func (s Subject) Tally() Tally {
	return Tally{SubjectID: s.ID, Upvotes: s.Upvotes, Downvotes: s.Downvotes, Version: s.Version}
}

// Reaction is the relationship between one voter and one subject.
// Stores keep at most one per (SubjectID, VoterID), and never one in StateNone.
type Reaction struct {
	SubjectID SubjectID
	VoterID   VoterID
	State     State
	UpdatedAt time.Time
}

// =============================================================================
// REQUEST - One vote action
// =============================================================================

// Request is one logical click. IdempotencyToken stays the same across
// network retries of that click and changes on new intent.
type Request struct {
	SubjectID        SubjectID
	VoterID          VoterID
	Requested        State
	IdempotencyToken string
}

// Validate checks the request shape. It does not touch any store.
func (r Request) Validate() error {
	if r.VoterID == "" {
		return ErrVoterUnauthenticated
	}
	if r.SubjectID == "" {
		return ErrMissingSubject
	}
	if !r.Requested.Requestable() {
		return &InvalidReactionError{Value: string(r.Requested)}
	}
	if r.IdempotencyToken == "" {
		return ErrMissingIdempotencyToken
	}
	return nil
}

// =============================================================================
// AGGREGATE - Read model rendered by the client
// =============================================================================

// Tally is the caller-independent part of an Aggregate. It is what gets
// broadcast to subscribers.
type Tally struct {
	SubjectID SubjectID
	Upvotes   int64
	Downvotes int64
	Version   int64
}

func (t Tally) Score() int64 { return t.Upvotes - t.Downvotes }

// Aggregate is a subject's counters plus the asking voter's own reaction.
type Aggregate struct {
	SubjectID      SubjectID
	Upvotes        int64
	Downvotes      int64
	CallerReaction State
	Version        int64
}

func (a Aggregate) Score() int64 { return a.Upvotes - a.Downvotes }

// UpvoteRatio is Upvotes / (Upvotes + Downvotes), or zero with no votes.
func (a Aggregate) UpvoteRatio() decimal.Decimal {
	total := a.Upvotes + a.Downvotes
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(a.Upvotes).DivRound(decimal.NewFromInt(total), 4)
}

func (a Aggregate) Tally() Tally {
	return Tally{SubjectID: a.SubjectID, Upvotes: a.Upvotes, Downvotes: a.Downvotes, Version: a.Version}
}

// AggregateFor builds the Aggregate a voter sees for a subject.
func AggregateFor(s Subject, caller State) Aggregate {
	if caller == "" {
		caller = StateNone
	}
	return Aggregate{
		SubjectID:      s.ID,
		Upvotes:        s.Upvotes,
		Downvotes:      s.Downvotes,
		CallerReaction: caller,
		Version:        s.Version,
	}
}

// =============================================================================
// HISTORY - Append-only transition log
// =============================================================================

// HistoryEntry records one applied transition. Entries are never updated or
// deleted; replaying them rebuilds every tally (see audit.go).
type HistoryEntry struct {
	Seq              int64
	ID               string
	SubjectID        SubjectID
	VoterID          VoterID
	From             State
	To               State
	DeltaUp          int64
	DeltaDown        int64
	IdempotencyToken string
	AppliedAt        time.Time
}

// Outcome is what a store returns from ApplyAtomically.
type Outcome struct {
	Aggregate  Aggregate
	Transition Transition
	Entry      HistoryEntry
}

// Snapshot is a consistent read of everything a store holds for one subject.
type Snapshot struct {
	Subject   Subject
	Reactions []Reaction
	History   []HistoryEntry
}
