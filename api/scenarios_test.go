/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state on the SQLite store:
	- Subjects are created
	- Counters match the votes the scenario submits
	- Every subject passes the audit afterwards

These tests double as integration tests of the ledger over SQLite.
*/
package api

import (
	"context"
	"testing"

	"github.com/algosocial/reaction-ledger/reaction"
	"github.com/algosocial/reaction-ledger/store/sqlite"
)

func setupTestHandler(t *testing.T) *Handler {
	store, err := sqlite.New(":memory:", reaction.StoreOptions{})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := reaction.NewLedger(store, reaction.NewWindow(reaction.WindowOptions{}), nil)
	return NewHandler(ledger, reaction.NewView(store, false), nil, nil)
}

func assertCounts(t *testing.T, h *Handler, id reaction.SubjectID, up, down int64) {
	t.Helper()
	s, err := h.Store.Subject(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load subject %s: %v", id, err)
	}
	if s.Upvotes != up || s.Downvotes != down {
		t.Errorf("%s: expected %d up / %d down, got %d / %d", id, up, down, s.Upvotes, s.Downvotes)
	}
}

func assertAudited(t *testing.T, h *Handler) {
	t.Helper()
	ctx := context.Background()
	subjects, err := h.Store.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("Failed to list subjects: %v", err)
	}
	for _, s := range subjects {
		report, err := reaction.Audit(ctx, h.Store, s.ID)
		if err != nil {
			t.Fatalf("Audit of %s failed: %v", s.ID, err)
		}
		if !report.Consistent() {
			t.Errorf("%s inconsistent: %v", s.ID, report.Problems)
		}
	}
}

func TestScenario_Feed(t *testing.T) {
	// GIVEN: Feed scenario
	// WHEN: Loading the scenario
	// THEN: Five posts carry the seeded counts

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadFeedScenario(ctx); err != nil {
		t.Fatalf("Failed to load feed scenario: %v", err)
	}

	subjects, err := handler.Store.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("Failed to list subjects: %v", err)
	}
	if len(subjects) != len(feedPosts) {
		t.Fatalf("Expected %d subjects, got %d", len(feedPosts), len(subjects))
	}
	for _, p := range feedPosts {
		assertCounts(t, handler, reaction.SubjectID("post-"+p.id), int64(p.upvotes), int64(p.downvotes))
	}
	assertAudited(t, handler)
}

func TestScenario_SwitchVote(t *testing.T) {
	// GIVEN: alice and bob upvote, then alice switches to downvote
	// THEN: one upvote, one downvote, alice's reaction is down

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadSwitchVoteScenario(ctx); err != nil {
		t.Fatalf("Failed to load switch-vote scenario: %v", err)
	}
	assertCounts(t, handler, "post-switch", 1, 1)

	agg, err := handler.View.Aggregate(ctx, "post-switch", "alice")
	if err != nil {
		t.Fatalf("Failed to read aggregate: %v", err)
	}
	if agg.CallerReaction != reaction.StateDown {
		t.Errorf("Expected alice to be down, got %s", agg.CallerReaction)
	}

	snap, err := handler.Store.Snapshot(ctx, "post-switch")
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if len(snap.History) != 3 {
		t.Errorf("Expected 3 history entries, got %d", len(snap.History))
	}
	last := snap.History[len(snap.History)-1]
	if last.DeltaUp != -1 || last.DeltaDown != 1 {
		t.Errorf("Expected switch deltas -1/+1, got %d/%d", last.DeltaUp, last.DeltaDown)
	}
}

func TestScenario_Toggle(t *testing.T) {
	// GIVEN: alice clicks upvote three times with fresh tokens
	// THEN: up, none, up - she ends upvoted with three transitions recorded

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadToggleScenario(ctx); err != nil {
		t.Fatalf("Failed to load toggle scenario: %v", err)
	}
	assertCounts(t, handler, "post-toggle", 1, 0)

	snap, err := handler.Store.Snapshot(ctx, "post-toggle")
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	want := []reaction.State{reaction.StateUp, reaction.StateNone, reaction.StateUp}
	if len(snap.History) != len(want) {
		t.Fatalf("Expected %d history entries, got %d", len(want), len(snap.History))
	}
	for i, e := range snap.History {
		if e.To != want[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, want[i], e.To)
		}
	}
}

func TestScenario_HotPost(t *testing.T) {
	// GIVEN: 60 voters react to one comment concurrently
	// THEN: no vote is lost

	handler := setupTestHandler(t)
	ctx := context.Background()

	if err := handler.loadHotPostScenario(ctx); err != nil {
		t.Fatalf("Failed to load hot-post scenario: %v", err)
	}
	assertCounts(t, handler, "comment-hot", 45, 15)
	assertAudited(t, handler)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	// GIVEN: All available scenarios
	// WHEN: Loading each scenario
	// THEN: None should error

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			handler := setupTestHandler(t)
			ctx := context.Background()

			var err error
			switch s.ID {
			case "feed":
				err = handler.loadFeedScenario(ctx)
			case "switch-vote":
				err = handler.loadSwitchVoteScenario(ctx)
			case "toggle":
				err = handler.loadToggleScenario(ctx)
			case "hot-post":
				err = handler.loadHotPostScenario(ctx)
			default:
				t.Fatalf("Unknown scenario: %s", s.ID)
			}

			if err != nil {
				t.Errorf("Scenario '%s' failed to load: %v", s.ID, err)
			}
		})
	}
}
