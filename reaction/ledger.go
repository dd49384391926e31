/*
ledger.go - Request-handling layer for reactions

PURPOSE:
  The Ledger is what the presentation layer calls on every vote click:

    presentation -> Ledger.SubmitReaction -> Window.Claim
                 -> Store.ApplyAtomically -> Compute
                 -> Window settle -> Publisher.Publish

GUARANTEES:
  1. VALIDATED: malformed requests never reach the store
  2. IDEMPOTENT: one ApplyAtomically call per distinct (voter, token) within
     the window; retries get the original Aggregate back
  3. NO INTERNAL RETRY: store failures go straight back to the caller, who
     may retry with the same token (safe) or give up
  4. BROADCAST AFTER COMMIT: subscribers are notified outside the store's
     critical section

DUPLICATES:
  A recognized retry returns the original Aggregate together with
  ErrDuplicateSuppressed. Callers treat it exactly like success.
*/
package reaction

import "context"

// Ledger serves SubmitReaction. Voter identity is taken as given; it is the
// session layer's job to authenticate it.
type Ledger struct {
	Store     Store
	Window    *Window
	Publisher Publisher // optional
}

// NewLedger wires a ledger. A nil window gets the default bounds.
func NewLedger(store Store, window *Window, publisher Publisher) *Ledger {
	if window == nil {
		window = NewWindow(WindowOptions{})
	}
	return &Ledger{Store: store, Window: window, Publisher: publisher}
}

// SubmitReaction applies one vote click and returns the resulting Aggregate
// for the voter.
//
// Errors:
//   - ErrVoterUnauthenticated, ErrMissingSubject, ErrMissingIdempotencyToken
//   - ErrInvalidReaction (also propagated from the store unchanged)
//   - ErrUnknownSubject from the store
//   - ErrIdempotencyMismatch when the token was used for another request
//   - ErrDuplicateSuppressed (informational) with the original Aggregate
func (l *Ledger) SubmitReaction(ctx context.Context, req Request) (Aggregate, error) {
	if err := req.Validate(); err != nil {
		return Aggregate{}, err
	}

	ticket, prior, err := l.Window.Claim(ctx, req)
	if err != nil {
		return Aggregate{}, err
	}
	if ticket == nil {
		return prior, ErrDuplicateSuppressed
	}

	outcome, err := l.Store.ApplyAtomically(ctx, req)
	if err != nil {
		ticket.Abandon()
		return Aggregate{}, err
	}
	ticket.Settle(outcome.Aggregate)

	if l.Publisher != nil {
		l.Publisher.Publish(outcome.Aggregate.Tally())
	}
	return outcome.Aggregate, nil
}
