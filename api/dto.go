/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the reaction domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Subjects:   SubjectDTO, CreateSubjectRequest
  Reactions:  SubmitReactionRequest, AggregateDTO, ReactionDTO
  History:    HistoryEntryDTO, AuditReportDTO
  Scenarios:  ScenarioDTO, LoadScenarioRequest
  Streaming:  WSMessage

VALIDATION:
  Request types carry go-playground/validator tags, checked by
  validateRequest before the handler touches the domain. Domain rules
  (reaction values, voter identity) are still enforced by reaction.Request.
*/
package api

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/algosocial/reaction-ledger/reaction"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRequest(v any) error {
	return validate.Struct(v)
}

// =============================================================================
// SUBJECTS
// =============================================================================

// SubjectDTO represents a subject with its counters.
type SubjectDTO struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Upvotes   int64  `json:"upvotes"`
	Downvotes int64  `json:"downvotes"`
	Score     int64  `json:"score"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// CreateSubjectRequest registers a post or comment. ID is generated when
// omitted.
type CreateSubjectRequest struct {
	ID   string `json:"id" validate:"omitempty,max=128,printascii"`
	Kind string `json:"kind" validate:"required,oneof=post comment"`
}

func toSubjectDTO(s reaction.Subject) SubjectDTO {
	return SubjectDTO{
		ID:        string(s.ID),
		Kind:      string(s.Kind),
		Upvotes:   s.Upvotes,
		Downvotes: s.Downvotes,
		Score:     s.Score(),
		Version:   s.Version,
		CreatedAt: formatTime(s.CreatedAt),
		UpdatedAt: formatTime(s.UpdatedAt),
	}
}

// =============================================================================
// REACTIONS
// =============================================================================

// SubmitReactionRequest is one click on the upvote or downvote control.
// The token may also arrive in the Idempotency-Key header.
type SubmitReactionRequest struct {
	Reaction         string `json:"reaction" validate:"required"`
	IdempotencyToken string `json:"idempotency_token" validate:"omitempty,max=128"`
}

// AggregateDTO is what a client renders next to a post.
type AggregateDTO struct {
	SubjectID      string `json:"subject_id"`
	Upvotes        int64  `json:"upvotes"`
	Downvotes      int64  `json:"downvotes"`
	Score          int64  `json:"score"`
	UpvoteRatio    string `json:"upvote_ratio"`
	CallerReaction string `json:"caller_reaction"`
	Version        int64  `json:"version"`
}

func toAggregateDTO(a reaction.Aggregate) AggregateDTO {
	caller := a.CallerReaction
	if caller == "" {
		caller = reaction.StateNone
	}
	return AggregateDTO{
		SubjectID:      string(a.SubjectID),
		Upvotes:        a.Upvotes,
		Downvotes:      a.Downvotes,
		Score:          a.Score(),
		UpvoteRatio:    a.UpvoteRatio().StringFixed(4),
		CallerReaction: string(caller),
		Version:        a.Version,
	}
}

// ReactionDTO is one voter's active reaction.
type ReactionDTO struct {
	VoterID   string `json:"voter_id"`
	State     string `json:"state"`
	UpdatedAt string `json:"updated_at"`
}

// HistoryEntryDTO is one applied transition.
type HistoryEntryDTO struct {
	Seq              int64  `json:"seq"`
	ID               string `json:"id"`
	VoterID          string `json:"voter_id"`
	From             string `json:"from"`
	To               string `json:"to"`
	DeltaUp          int64  `json:"delta_up"`
	DeltaDown        int64  `json:"delta_down"`
	IdempotencyToken string `json:"idempotency_token,omitempty"`
	AppliedAt        string `json:"applied_at"`
}

func toHistoryDTOs(entries []reaction.HistoryEntry) []HistoryEntryDTO {
	out := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntryDTO{
			Seq:              e.Seq,
			ID:               e.ID,
			VoterID:          string(e.VoterID),
			From:             string(e.From),
			To:               string(e.To),
			DeltaUp:          e.DeltaUp,
			DeltaDown:        e.DeltaDown,
			IdempotencyToken: e.IdempotencyToken,
			AppliedAt:        formatTime(e.AppliedAt),
		}
	}
	return out
}

// TallyDTO is a bare counter pair, used in audit reports and stream updates.
type TallyDTO struct {
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Version   int64 `json:"version"`
}

func toTallyDTO(t reaction.Tally) TallyDTO {
	return TallyDTO{Upvotes: t.Upvotes, Downvotes: t.Downvotes, Version: t.Version}
}

// AuditReportDTO shows the three ways of counting a subject.
type AuditReportDTO struct {
	SubjectID     string   `json:"subject_id"`
	Consistent    bool     `json:"consistent"`
	Stored        TallyDTO `json:"stored"`
	FromReactions TallyDTO `json:"from_reactions"`
	FromHistory   TallyDTO `json:"from_history"`
	Problems      []string `json:"problems"`
}

func toAuditReportDTO(r reaction.AuditReport) AuditReportDTO {
	problems := r.Problems
	if problems == nil {
		problems = []string{}
	}
	return AuditReportDTO{
		SubjectID:     string(r.SubjectID),
		Consistent:    r.Consistent(),
		Stored:        toTallyDTO(r.Stored),
		FromReactions: toTallyDTO(r.FromReactions),
		FromHistory:   toTallyDTO(r.FromHistory),
		Problems:      problems,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// STREAMING
// =============================================================================

const (
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
	MsgTypeTally       = "tally"
	MsgTypeError       = "error"
)

// WSMessage is every frame on /api/ws, in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	SubjectID string `json:"subject_id,omitempty"`
	Upvotes   int64  `json:"upvotes"`
	Downvotes int64  `json:"downvotes"`
	Score     int64  `json:"score"`
	Version   int64  `json:"version"`
	Error     string `json:"error,omitempty"`
}

func tallyMessage(t reaction.Tally) WSMessage {
	return WSMessage{
		Type:      MsgTypeTally,
		SubjectID: string(t.SubjectID),
		Upvotes:   t.Upvotes,
		Downvotes: t.Downvotes,
		Score:     t.Score(),
		Version:   t.Version,
	}
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
