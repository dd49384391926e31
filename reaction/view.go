package reaction

import (
	"context"
	"errors"
)

// View is the read path for the presentation layer. It reads straight from
// the store, so a voter always sees the result of its own completed writes.
type View struct {
	Store Store
	// ZeroOnUnknown renders never-voted subjects as zero counts instead of
	// ErrUnknownSubject. Set it when the store creates subjects lazily.
	ZeroOnUnknown bool
}

func NewView(store Store, zeroOnUnknown bool) *View {
	return &View{Store: store, ZeroOnUnknown: zeroOnUnknown}
}

// Aggregate returns {upvotes, downvotes, callerReaction} for one subject.
func (v *View) Aggregate(ctx context.Context, subjectID SubjectID, voterID VoterID) (Aggregate, error) {
	if subjectID == "" {
		return Aggregate{}, ErrMissingSubject
	}
	agg, err := v.Store.Aggregate(ctx, subjectID, voterID)
	if err != nil {
		if v.ZeroOnUnknown && errors.Is(err, ErrUnknownSubject) {
			return Aggregate{SubjectID: subjectID, CallerReaction: StateNone}, nil
		}
		return Aggregate{}, err
	}
	return agg, nil
}

// Aggregates reads several subjects for one voter, in the order given.
// Used by feed and explore pages that render many posts at once.
func (v *View) Aggregates(ctx context.Context, subjectIDs []SubjectID, voterID VoterID) ([]Aggregate, error) {
	out := make([]Aggregate, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		agg, err := v.Aggregate(ctx, id, voterID)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}
