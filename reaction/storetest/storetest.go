/*
Package storetest is the contract every reaction.Store must satisfy.

USAGE:
  func TestMemoryStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T, opts reaction.StoreOptions) reaction.Store {
          return store.NewMemory(opts)
      })
  }

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/algosocial/reaction-ledger/reaction"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T, opts reaction.StoreOptions) reaction.Store

var lazy = reaction.StoreOptions{AutoCreate: true}

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateSubject", func(t *testing.T) { testCreateSubject(t, newStore) })
	t.Run("UnknownSubject", func(t *testing.T) { testUnknownSubject(t, newStore) })
	t.Run("LazyCreate", func(t *testing.T) { testLazyCreate(t, newStore) })
	t.Run("InvalidReaction", func(t *testing.T) { testInvalidReaction(t, newStore) })
	t.Run("TransitionTable", func(t *testing.T) { testTransitionTable(t, newStore) })
	t.Run("SwitchVote", func(t *testing.T) { testSwitchVote(t, newStore) })
	t.Run("IndependentVoters", func(t *testing.T) { testIndependentVoters(t, newStore) })
	t.Run("ToggleNeverDrifts", func(t *testing.T) { testToggleNeverDrifts(t, newStore) })
	t.Run("ConcurrentUpvotes", func(t *testing.T) { testConcurrentUpvotes(t, newStore) })
	t.Run("ConcurrentMixedSubjects", func(t *testing.T) { testConcurrentMixedSubjects(t, newStore) })
	t.Run("ReplayMatchesCounters", func(t *testing.T) { testReplayMatchesCounters(t, newStore) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newStore) })
}

// =============================================================================
// HELPERS
// =============================================================================

var tokenSeq int64

func vote(t *testing.T, s reaction.Store, subject, voter string, requested reaction.State) reaction.Outcome {
	t.Helper()
	tokenSeq++
	out, err := s.ApplyAtomically(context.Background(), reaction.Request{
		SubjectID:        reaction.SubjectID(subject),
		VoterID:          reaction.VoterID(voter),
		Requested:        requested,
		IdempotencyToken: fmt.Sprintf("tok-%d", tokenSeq),
	})
	require.NoError(t, err)
	return out
}

func requireConsistent(t *testing.T, s reaction.Store, subject string) reaction.AuditReport {
	t.Helper()
	report, err := reaction.Audit(context.Background(), s, reaction.SubjectID(subject))
	require.NoError(t, err)
	require.True(t, report.Consistent(), "audit problems: %v", report.Problems)
	return report
}

// =============================================================================
// CONTRACT
// =============================================================================

func testCreateSubject(t *testing.T, newStore Factory) {
	s := newStore(t, reaction.StoreOptions{})
	ctx := context.Background()

	created, err := s.CreateSubject(ctx, reaction.Subject{ID: "post-1", Kind: reaction.KindPost})
	require.NoError(t, err)
	assert.Equal(t, reaction.SubjectID("post-1"), created.ID)
	assert.Equal(t, reaction.KindPost, created.Kind)
	assert.Zero(t, created.Upvotes)
	assert.Zero(t, created.Downvotes)

	_, err = s.CreateSubject(ctx, reaction.Subject{ID: "post-1", Kind: reaction.KindPost})
	assert.ErrorIs(t, err, reaction.ErrSubjectExists)

	_, err = s.CreateSubject(ctx, reaction.Subject{ID: "comment-1", Kind: reaction.KindComment})
	require.NoError(t, err)

	got, err := s.Subject(ctx, "comment-1")
	require.NoError(t, err)
	assert.Equal(t, reaction.KindComment, got.Kind)

	all, err := s.ListSubjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, reaction.SubjectID("comment-1"), all[0].ID)
	assert.Equal(t, reaction.SubjectID("post-1"), all[1].ID)
}

func testUnknownSubject(t *testing.T, newStore Factory) {
	// GIVEN: a store that does not create subjects lazily
	s := newStore(t, reaction.StoreOptions{AutoCreate: false})
	ctx := context.Background()

	// WHEN: voting on a subject nobody registered
	_, err := s.ApplyAtomically(ctx, reaction.Request{
		SubjectID: "ghost", VoterID: "alice", Requested: reaction.StateUp, IdempotencyToken: "t1",
	})

	// THEN: the store refuses and nothing is created
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
	var unknown *reaction.UnknownSubjectError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, reaction.SubjectID("ghost"), unknown.SubjectID)

	_, err = s.Subject(ctx, "ghost")
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
	_, err = s.Aggregate(ctx, "ghost", "alice")
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
	_, err = s.Snapshot(ctx, "ghost")
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
}

func testLazyCreate(t *testing.T, newStore Factory) {
	s := newStore(t, lazy)

	out := vote(t, s, "post-lazy", "alice", reaction.StateUp)
	assert.Equal(t, int64(1), out.Aggregate.Upvotes)
	assert.Equal(t, reaction.StateUp, out.Aggregate.CallerReaction)

	got, err := s.Subject(context.Background(), "post-lazy")
	require.NoError(t, err)
	assert.Equal(t, reaction.KindUnspecified, got.Kind)
	assert.Equal(t, int64(1), got.Upvotes)
}

func testInvalidReaction(t *testing.T, newStore Factory) {
	s := newStore(t, lazy)
	ctx := context.Background()

	for _, requested := range []reaction.State{reaction.StateNone, "", "sideways"} {
		_, err := s.ApplyAtomically(ctx, reaction.Request{
			SubjectID: "post-1", VoterID: "alice", Requested: requested, IdempotencyToken: "t",
		})
		assert.ErrorIs(t, err, reaction.ErrInvalidReaction, "requested %q", requested)
	}

	// Nothing was created by the rejected requests.
	_, err := s.Subject(ctx, "post-1")
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
}

func testTransitionTable(t *testing.T, newStore Factory) {
	// Drive a fresh voter into `current`, then request, and compare against Compute.
	cases := []struct {
		current, requested, next reaction.State
		up, down                 int64
	}{
		{reaction.StateNone, reaction.StateUp, reaction.StateUp, 1, 0},
		{reaction.StateNone, reaction.StateDown, reaction.StateDown, 0, 1},
		{reaction.StateUp, reaction.StateUp, reaction.StateNone, 0, 0},
		{reaction.StateUp, reaction.StateDown, reaction.StateDown, 0, 1},
		{reaction.StateDown, reaction.StateDown, reaction.StateNone, 0, 0},
		{reaction.StateDown, reaction.StateUp, reaction.StateUp, 1, 0},
	}

	s := newStore(t, lazy)
	for i, tc := range cases {
		subject := fmt.Sprintf("table-%d", i)
		if tc.current != reaction.StateNone {
			vote(t, s, subject, "voter", tc.current)
		}
		out := vote(t, s, subject, "voter", tc.requested)

		assert.Equal(t, tc.current, out.Transition.Current, "case %d", i)
		assert.Equal(t, tc.next, out.Transition.Next, "case %d", i)
		assert.Equal(t, tc.next, out.Aggregate.CallerReaction, "case %d", i)
		assert.Equal(t, tc.up, out.Aggregate.Upvotes, "case %d", i)
		assert.Equal(t, tc.down, out.Aggregate.Downvotes, "case %d", i)
		requireConsistent(t, s, subject)
	}
}

func testSwitchVote(t *testing.T, newStore Factory) {
	s := newStore(t, lazy)

	out := vote(t, s, "P", "A", reaction.StateUp)
	assert.Equal(t, reaction.StateUp, out.Aggregate.CallerReaction)
	assert.Equal(t, [2]int64{1, 0}, [2]int64{out.Aggregate.Upvotes, out.Aggregate.Downvotes})

	out = vote(t, s, "P", "A", reaction.StateDown)
	assert.Equal(t, reaction.StateDown, out.Aggregate.CallerReaction)
	assert.Equal(t, [2]int64{0, 1}, [2]int64{out.Aggregate.Upvotes, out.Aggregate.Downvotes})

	out = vote(t, s, "P", "A", reaction.StateDown)
	assert.Equal(t, reaction.StateNone, out.Aggregate.CallerReaction)
	assert.Equal(t, [2]int64{0, 0}, [2]int64{out.Aggregate.Upvotes, out.Aggregate.Downvotes})

	// A toggled-off voter keeps no active record.
	snap, err := s.Snapshot(context.Background(), "P")
	require.NoError(t, err)
	assert.Empty(t, snap.Reactions)
	assert.Len(t, snap.History, 3)
	requireConsistent(t, s, "P")
}

func testIndependentVoters(t *testing.T, newStore Factory) {
	s := newStore(t, lazy)
	ctx := context.Background()

	vote(t, s, "P", "A", reaction.StateUp)
	vote(t, s, "P", "B", reaction.StateDown)

	a, err := s.Aggregate(ctx, "P", "A")
	require.NoError(t, err)
	b, err := s.Aggregate(ctx, "P", "B")
	require.NoError(t, err)
	anon, err := s.Aggregate(ctx, "P", "")
	require.NoError(t, err)

	for _, agg := range []reaction.Aggregate{a, b, anon} {
		assert.Equal(t, int64(1), agg.Upvotes)
		assert.Equal(t, int64(1), agg.Downvotes)
		assert.Equal(t, int64(0), agg.Score())
	}
	assert.Equal(t, reaction.StateUp, a.CallerReaction)
	assert.Equal(t, reaction.StateDown, b.CallerReaction)
	assert.Equal(t, reaction.StateNone, anon.CallerReaction)
}

func testToggleNeverDrifts(t *testing.T, newStore Factory) {
	s := newStore(t, lazy)

	for i := 0; i < 20; i++ {
		out := vote(t, s, "P", "A", reaction.StateUp)
		if i%2 == 0 {
			assert.Equal(t, reaction.StateUp, out.Aggregate.CallerReaction, "click %d", i)
			assert.Equal(t, int64(1), out.Aggregate.Upvotes, "click %d", i)
		} else {
			assert.Equal(t, reaction.StateNone, out.Aggregate.CallerReaction, "click %d", i)
			assert.Equal(t, int64(0), out.Aggregate.Upvotes, "click %d", i)
		}
		assert.Equal(t, int64(0), out.Aggregate.Downvotes)
		assert.Equal(t, int64(i+1), out.Aggregate.Version)
	}
	requireConsistent(t, s, "P")
}

func testConcurrentUpvotes(t *testing.T, newStore Factory) {
	// GIVEN: N distinct voters, all at None on the same post
	// WHEN: they all upvote at once
	// THEN: no update is lost
	const n = 64
	s := newStore(t, lazy)
	_, err := s.CreateSubject(context.Background(), reaction.Subject{ID: "hot", Kind: reaction.KindPost})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := s.ApplyAtomically(context.Background(), reaction.Request{
				SubjectID:        "hot",
				VoterID:          reaction.VoterID(fmt.Sprintf("voter-%d", i)),
				Requested:        reaction.StateUp,
				IdempotencyToken: fmt.Sprintf("hot-%d", i),
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	agg, err := s.Aggregate(context.Background(), "hot", "")
	require.NoError(t, err)
	assert.Equal(t, int64(n), agg.Upvotes)
	assert.Equal(t, int64(0), agg.Downvotes)
	assert.Equal(t, int64(n), agg.Version)
	requireConsistent(t, s, "hot")
}

func testConcurrentMixedSubjects(t *testing.T, newStore Factory) {
	const (
		subjects = 4
		voters   = 12
		clicks   = 6
	)
	s := newStore(t, lazy)

	var g errgroup.Group
	for v := 0; v < voters; v++ {
		v := v
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(v)))
			for c := 0; c < clicks; c++ {
				requested := reaction.StateUp
				if rng.Intn(2) == 0 {
					requested = reaction.StateDown
				}
				_, err := s.ApplyAtomically(context.Background(), reaction.Request{
					SubjectID:        reaction.SubjectID(fmt.Sprintf("mixed-%d", rng.Intn(subjects))),
					VoterID:          reaction.VoterID(fmt.Sprintf("voter-%d", v)),
					Requested:        requested,
					IdempotencyToken: fmt.Sprintf("mixed-%d-%d", v, c),
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	all, err := s.ListSubjects(context.Background())
	require.NoError(t, err)
	var applied int64
	for _, subj := range all {
		requireConsistent(t, s, string(subj.ID))
		applied += subj.Version
	}
	assert.Equal(t, int64(voters*clicks), applied)
}

func testReplayMatchesCounters(t *testing.T, newStore Factory) {
	// Replay a long random history from scratch and compare with stored state.
	s := newStore(t, lazy)
	rng := rand.New(rand.NewSource(42))
	voters := []string{"a", "b", "c", "d", "e"}

	expected := map[string]reaction.State{}
	for i := 0; i < 200; i++ {
		voter := voters[rng.Intn(len(voters))]
		requested := reaction.StateUp
		if rng.Intn(2) == 0 {
			requested = reaction.StateDown
		}
		out := vote(t, s, "replay", voter, requested)

		cur, ok := expected[voter]
		if !ok {
			cur = reaction.StateNone
		}
		want, err := reaction.Compute(cur, requested)
		require.NoError(t, err)
		expected[voter] = want.Next
		assert.Equal(t, want.Next, out.Aggregate.CallerReaction)
	}

	report := requireConsistent(t, s, "replay")
	var up, down int64
	for _, st := range expected {
		switch st {
		case reaction.StateUp:
			up++
		case reaction.StateDown:
			down++
		}
	}
	assert.Equal(t, up, report.Stored.Upvotes)
	assert.Equal(t, down, report.Stored.Downvotes)
	assert.Equal(t, int64(200), report.FromHistory.Version)
}

func testReset(t *testing.T, newStore Factory) {
	s := newStore(t, lazy)
	r, ok := s.(reaction.Resetter)
	if !ok {
		t.Skip("store does not implement Resetter")
	}
	vote(t, s, "P", "A", reaction.StateUp)

	require.NoError(t, r.Reset(context.Background()))

	all, err := s.ListSubjects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}
