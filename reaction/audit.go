/*
audit.go - Rebuild tallies from scratch and compare

PURPOSE:
  Stored counters are a cache of two other truths: the set of active
  reactions, and the append-only history. Audit recomputes the tally both
  ways and reports any disagreement.

CHECKS:
  1. Stored counters == count of Up / Down reactions
  2. Stored counters == replay of history deltas
  3. Replayed final state of each voter == that voter's stored reaction
  4. History chains: each entry's From equals that voter's previous To,
     and each entry matches the transition table
*/
package reaction

import (
	"context"
	"fmt"
)

// AuditReport is the outcome of one subject audit.
type AuditReport struct {
	SubjectID     SubjectID
	Stored        Tally
	FromReactions Tally
	FromHistory   Tally
	Problems      []string
}

// Consistent reports whether every check passed.
func (r AuditReport) Consistent() bool { return len(r.Problems) == 0 }

// CountReactions recomputes a tally from active reactions.
func CountReactions(subjectID SubjectID, reactions []Reaction) Tally {
	t := Tally{SubjectID: subjectID}
	for _, r := range reactions {
		switch r.State {
		case StateUp:
			t.Upvotes++
		case StateDown:
			t.Downvotes++
		}
	}
	return t
}

// Replay applies history entries in order. It returns the resulting tally,
// each voter's final state, and any chaining problems found along the way.
func Replay(subjectID SubjectID, history []HistoryEntry) (Tally, map[VoterID]State, []string) {
	t := Tally{SubjectID: subjectID}
	states := make(map[VoterID]State)
	var problems []string

	for _, e := range history {
		prev, ok := states[e.VoterID]
		if !ok {
			prev = StateNone
		}
		if e.From != prev {
			problems = append(problems, fmt.Sprintf(
				"seq %d: voter %s went from %s but was %s", e.Seq, e.VoterID, e.From, prev))
		}
		want, err := Compute(e.From, requestedFor(e.From, e.To))
		if err != nil || want.Next != e.To || want.DeltaUp != e.DeltaUp || want.DeltaDown != e.DeltaDown {
			problems = append(problems, fmt.Sprintf(
				"seq %d: %s->%s with deltas (%+d,%+d) is not a valid transition",
				e.Seq, e.From, e.To, e.DeltaUp, e.DeltaDown))
		}
		t.Upvotes += e.DeltaUp
		t.Downvotes += e.DeltaDown
		t.Version++
		states[e.VoterID] = e.To
	}
	return t, states, problems
}

// requestedFor infers which request produced from->to.
// Toggle-offs land in None and were requested as the state they left.
func requestedFor(from, to State) State {
	if to == StateNone {
		return from
	}
	return to
}

// Audit reads a consistent snapshot of the subject and checks it.
func Audit(ctx context.Context, store Store, subjectID SubjectID) (AuditReport, error) {
	snap, err := store.Snapshot(ctx, subjectID)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditSnapshot(snap), nil
}

// AuditSnapshot checks an already-read snapshot.
func AuditSnapshot(snap Snapshot) AuditReport {
	id := snap.Subject.ID
	report := AuditReport{
		SubjectID:     id,
		Stored:        snap.Subject.Tally(),
		FromReactions: CountReactions(id, snap.Reactions),
	}

	replayed, states, problems := Replay(id, snap.History)
	report.FromHistory = replayed
	report.Problems = append(report.Problems, problems...)

	if report.Stored.Upvotes < 0 || report.Stored.Downvotes < 0 {
		report.Problems = append(report.Problems, fmt.Sprintf(
			"negative counters: up=%d down=%d", report.Stored.Upvotes, report.Stored.Downvotes))
	}
	if !sameCounts(report.Stored, report.FromReactions) {
		report.Problems = append(report.Problems, fmt.Sprintf(
			"stored up=%d down=%d but reactions count up=%d down=%d",
			report.Stored.Upvotes, report.Stored.Downvotes,
			report.FromReactions.Upvotes, report.FromReactions.Downvotes))
	}
	if !sameCounts(report.Stored, replayed) {
		report.Problems = append(report.Problems, fmt.Sprintf(
			"stored up=%d down=%d but history replays to up=%d down=%d",
			report.Stored.Upvotes, report.Stored.Downvotes, replayed.Upvotes, replayed.Downvotes))
	}

	active := make(map[VoterID]State, len(snap.Reactions))
	for _, r := range snap.Reactions {
		if r.State == StateNone {
			report.Problems = append(report.Problems, fmt.Sprintf("voter %s has a stored none reaction", r.VoterID))
		}
		active[r.VoterID] = r.State
	}
	for voter, st := range states {
		stored, ok := active[voter]
		if !ok {
			stored = StateNone
		}
		if stored != st {
			report.Problems = append(report.Problems, fmt.Sprintf(
				"voter %s stored as %s but history ends at %s", voter, stored, st))
		}
	}
	for voter := range active {
		if _, ok := states[voter]; !ok {
			report.Problems = append(report.Problems, fmt.Sprintf("voter %s has a reaction but no history", voter))
		}
	}
	return report
}

func sameCounts(a, b Tally) bool {
	return a.Upvotes == b.Upvotes && a.Downvotes == b.Downvotes
}
