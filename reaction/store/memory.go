// Package store provides an in-memory reaction.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/algosocial/reaction-ledger/reaction"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every subject behind its own mutex. The store-wide lock only
// guards which subjects exist, so votes on different subjects never wait on
// each other.
type Memory struct {
	opts reaction.StoreOptions
	now  func() time.Time

	mu       sync.RWMutex
	subjects map[reaction.SubjectID]*subjectEntry

	seq atomic.Int64
}

type subjectEntry struct {
	mu        sync.Mutex
	subject   reaction.Subject
	reactions map[reaction.VoterID]reaction.Reaction
	history   []reaction.HistoryEntry
}

func NewMemory(opts reaction.StoreOptions) *Memory {
	return &Memory{
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		subjects: make(map[reaction.SubjectID]*subjectEntry),
	}
}

func newEntry(s reaction.Subject) *subjectEntry {
	return &subjectEntry{
		subject:   s,
		reactions: make(map[reaction.VoterID]reaction.Reaction),
	}
}

func (m *Memory) CreateSubject(_ context.Context, s reaction.Subject) (reaction.Subject, error) {
	if s.ID == "" {
		return reaction.Subject{}, reaction.ErrMissingSubject
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subjects[s.ID]; ok {
		return reaction.Subject{}, reaction.ErrSubjectExists
	}
	now := m.now()
	s = reaction.Subject{ID: s.ID, Kind: s.Kind, CreatedAt: now, UpdatedAt: now}
	m.subjects[s.ID] = newEntry(s)
	return s, nil
}

func (m *Memory) Subject(_ context.Context, id reaction.SubjectID) (reaction.Subject, error) {
	e, ok := m.lookup(id)
	if !ok {
		return reaction.Subject{}, &reaction.UnknownSubjectError{SubjectID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subject, nil
}

func (m *Memory) ListSubjects(_ context.Context) ([]reaction.Subject, error) {
	m.mu.RLock()
	entries := make([]*subjectEntry, 0, len(m.subjects))
	for _, e := range m.subjects {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]reaction.Subject, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.subject)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ApplyAtomically runs read-compute-write-append under the subject's mutex.
func (m *Memory) ApplyAtomically(ctx context.Context, req reaction.Request) (reaction.Outcome, error) {
	if !req.Requested.Requestable() {
		return reaction.Outcome{}, &reaction.InvalidReactionError{Value: string(req.Requested)}
	}
	if err := ctx.Err(); err != nil {
		return reaction.Outcome{}, err
	}

	e, err := m.entryFor(req.SubjectID)
	if err != nil {
		return reaction.Outcome{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := reaction.StateNone
	if r, ok := e.reactions[req.VoterID]; ok {
		current = r.State
	}
	t, err := reaction.Compute(current, req.Requested)
	if err != nil {
		return reaction.Outcome{}, err
	}

	now := m.now()
	if t.Next == reaction.StateNone {
		delete(e.reactions, req.VoterID)
	} else {
		e.reactions[req.VoterID] = reaction.Reaction{
			SubjectID: req.SubjectID,
			VoterID:   req.VoterID,
			State:     t.Next,
			UpdatedAt: now,
		}
	}
	e.subject = e.subject.Apply(t, now)

	entry := reaction.HistoryEntry{
		Seq:              m.seq.Add(1),
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
	e.history = append(e.history, entry)

	return reaction.Outcome{
		Aggregate:  reaction.AggregateFor(e.subject, t.Next),
		Transition: t,
		Entry:      entry,
	}, nil
}

func (m *Memory) Aggregate(_ context.Context, subjectID reaction.SubjectID, voterID reaction.VoterID) (reaction.Aggregate, error) {
	e, ok := m.lookup(subjectID)
	if !ok {
		return reaction.Aggregate{}, &reaction.UnknownSubjectError{SubjectID: subjectID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	state := reaction.StateNone
	if r, ok := e.reactions[voterID]; ok && voterID != "" {
		state = r.State
	}
	return reaction.AggregateFor(e.subject, state), nil
}

func (m *Memory) Snapshot(_ context.Context, subjectID reaction.SubjectID) (reaction.Snapshot, error) {
	e, ok := m.lookup(subjectID)
	if !ok {
		return reaction.Snapshot{}, &reaction.UnknownSubjectError{SubjectID: subjectID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := reaction.Snapshot{
		Subject:   e.subject,
		Reactions: make([]reaction.Reaction, 0, len(e.reactions)),
		History:   append([]reaction.HistoryEntry{}, e.history...),
	}
	for _, r := range e.reactions {
		snap.Reactions = append(snap.Reactions, r)
	}
	sort.Slice(snap.Reactions, func(i, j int) bool { return snap.Reactions[i].VoterID < snap.Reactions[j].VoterID })
	return snap, nil
}

// Reset drops every subject.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = make(map[reaction.SubjectID]*subjectEntry)
	m.seq.Store(0)
	return nil
}

func (m *Memory) lookup(id reaction.SubjectID) (*subjectEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.subjects[id]
	return e, ok
}

// entryFor returns the subject's entry, creating it when AutoCreate is set.
func (m *Memory) entryFor(id reaction.SubjectID) (*subjectEntry, error) {
	if e, ok := m.lookup(id); ok {
		return e, nil
	}
	if !m.opts.AutoCreate {
		return nil, &reaction.UnknownSubjectError{SubjectID: id}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.subjects[id]; ok {
		return e, nil
	}
	now := m.now()
	e := newEntry(reaction.Subject{ID: id, CreatedAt: now, UpdatedAt: now})
	m.subjects[id] = e
	return e, nil
}
