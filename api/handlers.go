/*
handlers.go - HTTP API handlers for the reaction ledger

PURPOSE:
  Exposes the reaction ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the reaction package.

ENDPOINTS:
  Subjects:
    GET    /api/subjects                  List subjects with counters
    POST   /api/subjects                  Register a post or comment
    GET    /api/subjects/{id}             Aggregate for the caller

  Reactions:
    POST   /api/subjects/{id}/reactions   Submit an upvote/downvote click
    GET    /api/subjects/{id}/reactions   Active reactions
    GET    /api/subjects/{id}/history     Transition history
    GET    /api/subjects/{id}/audit       Recount and compare

  Reads:
    GET    /api/aggregates?subject_id=a&subject_id=b

  Audit:
    GET    /api/audit/last                Last scheduled audit run
    POST   /api/audit/run                 Audit every subject now

IDENTITY:
  The voter is taken from the X-Voter-ID header, set by the session/wallet
  layer in front of this service. Requests without it can read (caller
  reaction is "none") but cannot vote.

IDEMPOTENCY:
  Each click carries a token, in the body (idempotency_token) or the
  Idempotency-Key header. A retried token returns the original result with
  200 and "Idempotent-Replayed: true". It is never applied twice.

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with status:
  - 400: Invalid input (bad reaction value, missing token, bad JSON)
  - 401: No voter identity
  - 404: Unknown subject
  - 409: Subject already exists
  - 422: Token reused for a different request
  - 503: Request canceled before it was applied
  - 500: Storage failures

SEE ALSO:
  - dto.go: Request/response data structures
  - hub.go: Websocket tally stream
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/algosocial/reaction-ledger/reaction"
)

const (
	HeaderVoterID        = "X-Voter-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxBodyBytes      = 1 << 20
	maxAggregateBatch = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  reaction.Store
	Ledger *reaction.Ledger
	View   *reaction.View
	Window *reaction.Window
	Hub    *Hub

	// Scheduler is optional; set it to expose the last audit run.
	Scheduler *AuditScheduler

	log *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler around an existing ledger. The view reads
// from the same store as the ledger writes to.
func NewHandler(ledger *reaction.Ledger, view *reaction.View, hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:  ledger.Store,
		Ledger: ledger,
		View:   view,
		Window: ledger.Window,
		Hub:    hub,
		log:    logger.Named("api"),
	}
}

// =============================================================================
// SUBJECT HANDLERS
// =============================================================================

// ListSubjects returns every subject with its counters.
func (h *Handler) ListSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.Store.ListSubjects(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list subjects", err)
		return
	}

	dtos := make([]SubjectDTO, len(subjects))
	for i, s := range subjects {
		dtos[i] = toSubjectDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSubject registers a post or comment with zero counters.
func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	var req CreateSubjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid subject", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	created, err := h.Store.CreateSubject(r.Context(), reaction.Subject{
		ID:   reaction.SubjectID(req.ID),
		Kind: reaction.SubjectKind(req.Kind),
	})
	if err != nil {
		h.fail(w, r, "Failed to create subject", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubjectDTO(created))
}

// GetSubject returns the aggregate for one subject, including the caller's
// own reaction when X-Voter-ID is present.
func (h *Handler) GetSubject(w http.ResponseWriter, r *http.Request) {
	agg, err := h.View.Aggregate(r.Context(), subjectParam(r), voterFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to load subject", err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// =============================================================================
// REACTION HANDLERS
// =============================================================================

// SubmitReaction applies one click. The response is the aggregate right
// after this click, or after the original click for a retried token.
func (h *Handler) SubmitReaction(w http.ResponseWriter, r *http.Request) {
	voter := voterFrom(r)
	if voter == "" {
		writeError(w, http.StatusUnauthorized, "Voter identity required", reaction.ErrVoterUnauthenticated)
		return
	}

	var body SubmitReactionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := validateRequest(body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reaction request", err)
		return
	}
	requested, err := reaction.ParseState(body.Reaction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Reaction must be up or down", err)
		return
	}
	token := body.IdempotencyToken
	if token == "" {
		token = r.Header.Get(HeaderIdempotencyKey)
	}

	agg, err := h.Ledger.SubmitReaction(r.Context(), reaction.Request{
		SubjectID:        subjectParam(r),
		VoterID:          voter,
		Requested:        requested,
		IdempotencyToken: token,
	})
	if reaction.IsInformational(err) {
		w.Header().Set(HeaderReplayed, "true")
		writeJSON(w, http.StatusOK, toAggregateDTO(agg))
		return
	}
	if err != nil {
		h.fail(w, r, "Failed to apply reaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// ListReactions returns the subject's active reactions, ordered by voter.
func (h *Handler) ListReactions(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.Snapshot(r.Context(), subjectParam(r))
	if err != nil {
		h.fail(w, r, "Failed to load reactions", err)
		return
	}

	dtos := make([]ReactionDTO, len(snap.Reactions))
	for i, re := range snap.Reactions {
		dtos[i] = ReactionDTO{
			VoterID:   string(re.VoterID),
			State:     string(re.State),
			UpdatedAt: formatTime(re.UpdatedAt),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetHistory returns every applied transition for the subject in order.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.Snapshot(r.Context(), subjectParam(r))
	if err != nil {
		h.fail(w, r, "Failed to load history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(snap.History))
}

// GetAudit recounts the subject from reactions and from history.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	report, err := reaction.Audit(r.Context(), h.Store, subjectParam(r))
	if err != nil {
		h.fail(w, r, "Failed to audit subject", err)
		return
	}
	if !report.Consistent() {
		h.log.Warn("audit found inconsistencies",
			zap.String("subject_id", string(report.SubjectID)),
			zap.Strings("problems", report.Problems))
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// GetAggregates returns aggregates for several subjects, in request order.
func (h *Handler) GetAggregates(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["subject_id"]
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "At least one subject_id is required", reaction.ErrMissingSubject)
		return
	}
	if len(raw) > maxAggregateBatch {
		writeError(w, http.StatusBadRequest, "Too many subject_id values", nil)
		return
	}
	ids := make([]reaction.SubjectID, len(raw))
	for i, id := range raw {
		ids[i] = reaction.SubjectID(id)
	}

	aggs, err := h.View.Aggregates(r.Context(), ids, voterFrom(r))
	if err != nil {
		h.fail(w, r, "Failed to load aggregates", err)
		return
	}
	dtos := make([]AggregateDTO, len(aggs))
	for i, a := range aggs {
		dtos[i] = toAggregateDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports liveness, and database reachability when the store can
// be pinged.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.log.Error("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func subjectParam(r *http.Request) reaction.SubjectID {
	return reaction.SubjectID(chi.URLParam(r, "id"))
}

func voterFrom(r *http.Request) reaction.VoterID {
	return reaction.VoterID(r.Header.Get(HeaderVoterID))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(target)
}

// statusFor maps domain errors to HTTP status codes and client messages.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, reaction.ErrVoterUnauthenticated):
		return http.StatusUnauthorized, "Voter identity required"
	case errors.Is(err, reaction.ErrUnknownSubject):
		return http.StatusNotFound, "Subject not found"
	case errors.Is(err, reaction.ErrSubjectExists):
		return http.StatusConflict, "Subject already exists"
	case errors.Is(err, reaction.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Idempotency token was already used for a different request"
	case errors.Is(err, reaction.ErrInvalidReaction):
		return http.StatusBadRequest, "Reaction must be up or down"
	case errors.Is(err, reaction.ErrMissingIdempotencyToken):
		return http.StatusBadRequest, "Idempotency token required"
	case errors.Is(err, reaction.ErrMissingSubject):
		return http.StatusBadRequest, "Subject id required"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request canceled before it was applied"
	default:
		return http.StatusInternalServerError, ""
	}
}

// fail writes the mapped error. Server errors are logged; client errors are
// not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, fallback string, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error(fallback,
			zap.String("path", r.URL.Path),
			zap.String("subject_id", chi.URLParam(r, "id")),
			zap.Error(err))
		writeError(w, status, fallback, err)
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
