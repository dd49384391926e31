/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	reaction data. Every vote goes through Ledger.SubmitReaction, so the
	loaded data has a full history and passes the audit.

AVAILABLE SCENARIOS:

	feed:         Five feed posts with the counts the web client shows
	switch-vote:  One voter switches from up to down on a post
	toggle:       One voter clicks upvote repeatedly
	hot-post:     Many voters react to one comment at the same time

HOW SCENARIOS WORK:
 1. Reset the store (clear all data) and forget settled tokens
 2. Create subjects
 3. Submit reactions with fresh idempotency tokens

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "feed"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/algosocial/reaction-ledger/reaction"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "feed",
		Name:        "Feed",
		Description: "Five posts with established vote counts",
	},
	{
		ID:          "switch-vote",
		Name:        "Switch Vote",
		Description: "A voter upvotes, then switches to downvote",
	},
	{
		ID:          "toggle",
		Name:        "Toggle",
		Description: "A voter clicks upvote three times and ends up upvoted",
	},
	{
		ID:          "hot-post",
		Name:        "Hot Post",
		Description: "Sixty voters react to one comment concurrently",
	},
}

type seedPost struct {
	id        string
	upvotes   int
	downvotes int
}

var feedPosts = []seedPost{
	{"1", 24, 2},
	{"2", 156, 8},
	{"3", 89, 3},
	{"4", 67, 1},
	{"5", 134, 5},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, "scenario_id is required", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "feed":
		load = h.loadFeedScenario
	case "switch-vote":
		load = h.loadSwitchVoteScenario
	case "toggle":
		load = h.loadToggleScenario
	case "hot-post":
		load = h.loadHotPostScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	resetter, ok := h.Store.(reaction.Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store cannot be reset", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := resetter.Reset(ctx); err != nil {
		h.fail(w, r, "Failed to reset store", err)
		return
	}
	h.Window.Reset()
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFeedScenario(ctx context.Context) error {
	for _, p := range feedPosts {
		id := reaction.SubjectID("post-" + p.id)
		if _, err := h.Store.CreateSubject(ctx, reaction.Subject{ID: id, Kind: reaction.KindPost}); err != nil {
			return err
		}
		for i := 0; i < p.upvotes; i++ {
			if err := h.seedVote(ctx, id, fmt.Sprintf("seed-up-%03d", i), reaction.StateUp); err != nil {
				return err
			}
		}
		for i := 0; i < p.downvotes; i++ {
			if err := h.seedVote(ctx, id, fmt.Sprintf("seed-down-%03d", i), reaction.StateDown); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) loadSwitchVoteScenario(ctx context.Context) error {
	id := reaction.SubjectID("post-switch")
	if _, err := h.Store.CreateSubject(ctx, reaction.Subject{ID: id, Kind: reaction.KindPost}); err != nil {
		return err
	}
	steps := []struct {
		voter string
		state reaction.State
	}{
		{"alice", reaction.StateUp},
		{"bob", reaction.StateUp},
		{"alice", reaction.StateDown}, // switch: up 2->1, down 0->1
	}
	for _, s := range steps {
		if err := h.seedVote(ctx, id, s.voter, s.state); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadToggleScenario(ctx context.Context) error {
	id := reaction.SubjectID("post-toggle")
	if _, err := h.Store.CreateSubject(ctx, reaction.Subject{ID: id, Kind: reaction.KindPost}); err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if err := h.seedVote(ctx, id, "alice", reaction.StateUp); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadHotPostScenario(ctx context.Context) error {
	const upvoters, downvoters = 45, 15

	id := reaction.SubjectID("comment-hot")
	if _, err := h.Store.CreateSubject(ctx, reaction.Subject{ID: id, Kind: reaction.KindComment}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < upvoters+downvoters; i++ {
		i := i
		g.Go(func() error {
			state := reaction.StateUp
			if i >= upvoters {
				state = reaction.StateDown
			}
			return h.seedVote(gctx, id, fmt.Sprintf("crowd-%02d", i), state)
		})
	}
	return g.Wait()
}

func (h *Handler) seedVote(ctx context.Context, id reaction.SubjectID, voter string, state reaction.State) error {
	_, err := h.Ledger.SubmitReaction(ctx, reaction.Request{
		SubjectID:        id,
		VoterID:          reaction.VoterID(voter),
		Requested:        state,
		IdempotencyToken: uuid.NewString(),
	})
	return err
}
