package reaction_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algosocial/reaction-ledger/reaction"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestCompute_FullTable(t *testing.T) {
	cases := []struct {
		current   reaction.State
		requested reaction.State
		next      reaction.State
		dUp       int64
		dDown     int64
	}{
		{reaction.StateNone, reaction.StateUp, reaction.StateUp, +1, 0},
		{reaction.StateNone, reaction.StateDown, reaction.StateDown, 0, +1},
		{reaction.StateUp, reaction.StateUp, reaction.StateNone, -1, 0},
		{reaction.StateUp, reaction.StateDown, reaction.StateDown, -1, +1},
		{reaction.StateDown, reaction.StateDown, reaction.StateNone, 0, -1},
		{reaction.StateDown, reaction.StateUp, reaction.StateUp, +1, -1},
	}

	for _, tc := range cases {
		t.Run(string(tc.current)+"->"+string(tc.requested), func(t *testing.T) {
			got, err := reaction.Compute(tc.current, tc.requested)
			require.NoError(t, err)
			assert.Equal(t, reaction.Transition{
				Current:   tc.current,
				Requested: tc.requested,
				Next:      tc.next,
				DeltaUp:   tc.dUp,
				DeltaDown: tc.dDown,
			}, got)
			assert.True(t, got.Changed())
		})
	}
}

func TestCompute_EmptyCurrentMeansNone(t *testing.T) {
	got, err := reaction.Compute("", reaction.StateDown)
	require.NoError(t, err)
	assert.Equal(t, reaction.StateNone, got.Current)
	assert.Equal(t, reaction.StateDown, got.Next)
}

func TestCompute_NoneIsNeverARequest(t *testing.T) {
	for _, current := range []reaction.State{reaction.StateNone, reaction.StateUp, reaction.StateDown} {
		_, err := reaction.Compute(current, reaction.StateNone)
		assert.ErrorIs(t, err, reaction.ErrInvalidReaction)
	}
}

func TestCompute_RejectsUnknownStates(t *testing.T) {
	_, err := reaction.Compute("sideways", reaction.StateUp)
	assert.ErrorIs(t, err, reaction.ErrInvalidReaction)

	_, err = reaction.Compute(reaction.StateUp, "sideways")
	var invalid *reaction.InvalidReactionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "sideways", invalid.Value)
}

func TestCompute_NetContributionIsAtMostOne(t *testing.T) {
	// Whatever a voter does, their contribution stays in {none, +1 up, +1 down}.
	contribution := func(s reaction.State) (int64, int64) {
		switch s {
		case reaction.StateUp:
			return 1, 0
		case reaction.StateDown:
			return 0, 1
		}
		return 0, 0
	}
	for _, current := range []reaction.State{reaction.StateNone, reaction.StateUp, reaction.StateDown} {
		for _, requested := range []reaction.State{reaction.StateUp, reaction.StateDown} {
			tr, err := reaction.Compute(current, requested)
			require.NoError(t, err)
			beforeUp, beforeDown := contribution(current)
			afterUp, afterDown := contribution(tr.Next)
			assert.Equal(t, afterUp-beforeUp, tr.DeltaUp)
			assert.Equal(t, afterDown-beforeDown, tr.DeltaDown)
		}
	}
}

func TestSubjectApply(t *testing.T) {
	s := reaction.Subject{ID: "p", Upvotes: 3, Downvotes: 1, Version: 7}
	tr, err := reaction.Compute(reaction.StateUp, reaction.StateDown)
	require.NoError(t, err)

	next := s.Apply(tr, s.UpdatedAt)
	assert.Equal(t, int64(2), next.Upvotes)
	assert.Equal(t, int64(2), next.Downvotes)
	assert.Equal(t, int64(8), next.Version)
	assert.Equal(t, int64(3), s.Upvotes, "Apply must not mutate the receiver")
}

// =============================================================================
// STATE AND REQUEST
// =============================================================================

func TestParseState(t *testing.T) {
	for in, want := range map[string]reaction.State{"": reaction.StateNone, "none": reaction.StateNone, "up": reaction.StateUp, "down": reaction.StateDown} {
		got, err := reaction.ParseState(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := reaction.ParseState("UP")
	assert.ErrorIs(t, err, reaction.ErrInvalidReaction)
}

func TestRequestValidate(t *testing.T) {
	valid := reaction.Request{SubjectID: "p", VoterID: "v", Requested: reaction.StateUp, IdempotencyToken: "t"}
	require.NoError(t, valid.Validate())

	noVoter := valid
	noVoter.VoterID = ""
	assert.ErrorIs(t, noVoter.Validate(), reaction.ErrVoterUnauthenticated)

	noSubject := valid
	noSubject.SubjectID = ""
	assert.ErrorIs(t, noSubject.Validate(), reaction.ErrMissingSubject)

	none := valid
	none.Requested = reaction.StateNone
	assert.ErrorIs(t, none.Validate(), reaction.ErrInvalidReaction)

	noToken := valid
	noToken.IdempotencyToken = ""
	assert.ErrorIs(t, noToken.Validate(), reaction.ErrMissingIdempotencyToken)
}

func TestAggregate_Derived(t *testing.T) {
	agg := reaction.Aggregate{Upvotes: 3, Downvotes: 1}
	assert.Equal(t, int64(2), agg.Score())
	assert.Equal(t, "0.75", agg.UpvoteRatio().String())

	assert.True(t, reaction.Aggregate{}.UpvoteRatio().IsZero())
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, reaction.IsInformational(reaction.ErrDuplicateSuppressed))
	assert.False(t, reaction.IsClientError(reaction.ErrDuplicateSuppressed))
	assert.True(t, reaction.IsClientError(&reaction.InvalidReactionError{Value: "x"}))
	assert.True(t, reaction.IsClientError(reaction.ErrIdempotencyMismatch))
	assert.True(t, reaction.IsNotFound(&reaction.UnknownSubjectError{SubjectID: "p"}))
	assert.False(t, reaction.IsNotFound(reaction.ErrVoterUnauthenticated))
}
