package reaction_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algosocial/reaction-ledger/reaction"
	"github.com/algosocial/reaction-ledger/reaction/store"
)

func entry(seq int64, voter string, from, to reaction.State, up, down int64) reaction.HistoryEntry {
	return reaction.HistoryEntry{
		Seq: seq, SubjectID: "P", VoterID: reaction.VoterID(voter),
		From: from, To: to, DeltaUp: up, DeltaDown: down,
	}
}

func TestReplay_RebuildsTally(t *testing.T) {
	history := []reaction.HistoryEntry{
		entry(1, "A", reaction.StateNone, reaction.StateUp, 1, 0),
		entry(2, "B", reaction.StateNone, reaction.StateDown, 0, 1),
		entry(3, "A", reaction.StateUp, reaction.StateDown, -1, 1),
		entry(4, "B", reaction.StateDown, reaction.StateNone, 0, -1),
	}

	tally, states, problems := reaction.Replay("P", history)
	assert.Empty(t, problems)
	assert.Equal(t, reaction.Tally{SubjectID: "P", Upvotes: 0, Downvotes: 1, Version: 4}, tally)
	assert.Equal(t, reaction.StateDown, states["A"])
	assert.Equal(t, reaction.StateNone, states["B"])
}

func TestReplay_DetectsBrokenChain(t *testing.T) {
	history := []reaction.HistoryEntry{
		entry(1, "A", reaction.StateNone, reaction.StateUp, 1, 0),
		// A double-counted upvote: the lost-update bug this ledger prevents.
		entry(2, "A", reaction.StateNone, reaction.StateUp, 1, 0),
	}

	_, _, problems := reaction.Replay("P", history)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "seq 2")
}

func TestReplay_DetectsBadDeltas(t *testing.T) {
	history := []reaction.HistoryEntry{
		entry(1, "A", reaction.StateNone, reaction.StateUp, 2, 0),
	}
	_, _, problems := reaction.Replay("P", history)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "not a valid transition")
}

func TestAuditSnapshot_DetectsCounterDrift(t *testing.T) {
	snap := reaction.Snapshot{
		Subject: reaction.Subject{ID: "P", Upvotes: 2, Downvotes: 0, Version: 1},
		Reactions: []reaction.Reaction{
			{SubjectID: "P", VoterID: "A", State: reaction.StateUp},
		},
		History: []reaction.HistoryEntry{
			entry(1, "A", reaction.StateNone, reaction.StateUp, 1, 0),
		},
	}

	report := reaction.AuditSnapshot(snap)
	assert.False(t, report.Consistent())
	assert.Len(t, report.Problems, 2, report.Problems)
	assert.Equal(t, int64(1), report.FromReactions.Upvotes)
	assert.Equal(t, int64(1), report.FromHistory.Upvotes)
}

func TestAuditSnapshot_DetectsOrphanReaction(t *testing.T) {
	snap := reaction.Snapshot{
		Subject:   reaction.Subject{ID: "P", Upvotes: 1},
		Reactions: []reaction.Reaction{{SubjectID: "P", VoterID: "A", State: reaction.StateUp}},
	}
	report := reaction.AuditSnapshot(snap)
	assert.False(t, report.Consistent())
}

func TestAudit_AgainstStore(t *testing.T) {
	s := store.NewMemory(reaction.StoreOptions{AutoCreate: true})
	ledger := reaction.NewLedger(s, nil, nil)
	ctx := context.Background()

	for i, r := range []reaction.Request{
		req("P", "A", reaction.StateUp, "1"),
		req("P", "B", reaction.StateUp, "2"),
		req("P", "A", reaction.StateDown, "3"),
		req("P", "C", reaction.StateDown, "4"),
		req("P", "B", reaction.StateUp, "5"),
	} {
		_, err := ledger.SubmitReaction(ctx, r)
		require.NoError(t, err, "request %d", i)
	}

	report, err := reaction.Audit(ctx, s, "P")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), report.Problems)
	assert.Equal(t, reaction.Tally{SubjectID: "P", Upvotes: 0, Downvotes: 2, Version: 5}, report.Stored)
	assert.Equal(t, report.Stored.Upvotes, report.FromHistory.Upvotes)
	assert.Equal(t, report.Stored.Downvotes, report.FromReactions.Downvotes)

	_, err = reaction.Audit(ctx, s, "missing")
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
}
