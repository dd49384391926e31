/*
window.go - Idempotency token window

PURPOSE:
  Remembers, per voter, which idempotency tokens were already applied and the
  Aggregate each produced, so a retried click returns the original result
  instead of toggling a second time.

BOUNDS:
  A settled token is kept for TTL after it settles, and at most MaxPerVoter
  settled tokens are kept per voter (oldest evicted first). A retry that
  arrives after its token left the window is treated as a new action. This is
  a trade-off, not a guarantee against arbitrarily delayed retries.

IN-FLIGHT TOKENS:
  A token is claimed before the store is called. A concurrent retry of the
  same token waits for the first call to settle and then returns its result.
  If the first call fails the claim is abandoned and the waiter claims the
  token itself. In-flight claims are never evicted.
*/
package reaction

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultWindowTTL         = 10 * time.Minute
	DefaultWindowMaxPerVoter = 256
)

// WindowOptions configures a Window. Zero values take the defaults.
type WindowOptions struct {
	TTL         time.Duration
	MaxPerVoter int
	Now         func() time.Time
}

// Window is the per-voter idempotency token memory used by the Ledger.
type Window struct {
	mu          sync.Mutex
	ttl         time.Duration
	maxPerVoter int
	now         func() time.Time

	entries map[windowKey]*windowEntry
	settled map[VoterID]*list.List // settle order, oldest at front
}

type windowKey struct {
	voter VoterID
	token string
}

type windowEntry struct {
	key       windowKey
	subjectID SubjectID
	requested State

	done      chan struct{}
	isSettled bool
	aggregate Aggregate
	expiresAt time.Time
	elem      *list.Element
}

func NewWindow(opts WindowOptions) *Window {
	if opts.TTL <= 0 {
		opts.TTL = DefaultWindowTTL
	}
	if opts.MaxPerVoter <= 0 {
		opts.MaxPerVoter = DefaultWindowMaxPerVoter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Window{
		ttl:         opts.TTL,
		maxPerVoter: opts.MaxPerVoter,
		now:         opts.Now,
		entries:     make(map[windowKey]*windowEntry),
		settled:     make(map[VoterID]*list.List),
	}
}

// Ticket is an exclusive claim on a token. Exactly one of Settle or Abandon
// must be called.
type Ticket struct {
	w *Window
	e *windowEntry
}

// Claim reserves req's token.
//
// It returns a Ticket when the caller must apply the request. It returns a
// nil Ticket and the previously computed Aggregate when the token was already
// applied. It blocks while another call holds the token, until that call
// settles or ctx is done.
func (w *Window) Claim(ctx context.Context, req Request) (*Ticket, Aggregate, error) {
	k := windowKey{voter: req.VoterID, token: req.IdempotencyToken}
	for {
		w.mu.Lock()
		e, ok := w.entries[k]
		if ok && e.isSettled && !w.now().Before(e.expiresAt) {
			w.removeLocked(e)
			ok = false
		}
		if !ok {
			e = &windowEntry{
				key:       k,
				subjectID: req.SubjectID,
				requested: req.Requested,
				done:      make(chan struct{}),
			}
			w.entries[k] = e
			w.mu.Unlock()
			return &Ticket{w: w, e: e}, Aggregate{}, nil
		}
		if e.subjectID != req.SubjectID || e.requested != req.Requested {
			w.mu.Unlock()
			return nil, Aggregate{}, ErrIdempotencyMismatch
		}
		if e.isSettled {
			agg := e.aggregate
			w.mu.Unlock()
			return nil, agg, nil
		}
		done := e.done
		w.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, Aggregate{}, ctx.Err()
		}
	}
}

// Settle records the result for the token and wakes waiting retries.
func (t *Ticket) Settle(agg Aggregate) {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()

	e := t.e
	e.isSettled = true
	e.aggregate = agg
	e.expiresAt = w.now().Add(w.ttl)

	l, ok := w.settled[e.key.voter]
	if !ok {
		l = list.New()
		w.settled[e.key.voter] = l
	}
	e.elem = l.PushBack(e)
	for l.Len() > w.maxPerVoter {
		w.removeLocked(l.Front().Value.(*windowEntry))
	}
	close(e.done)
}

// Abandon releases the claim without recording a result, so a retry of the
// same token is applied as new.
func (t *Ticket) Abandon() {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()

	if cur, ok := w.entries[t.e.key]; ok && cur == t.e {
		delete(w.entries, t.e.key)
	}
	close(t.e.done)
}

// Sweep drops expired settled tokens and returns how many were dropped.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	dropped := 0
	for voter, l := range w.settled {
		// Settle order is expiry order, so stop at the first live entry.
		for l.Len() > 0 {
			e := l.Front().Value.(*windowEntry)
			if now.Before(e.expiresAt) {
				break
			}
			w.removeLocked(e)
			dropped++
		}
		if l.Len() == 0 {
			delete(w.settled, voter)
		}
	}
	return dropped
}

// Len returns the number of tokens held, settled or in flight.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Reset forgets every settled token. In-flight claims are kept.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for k, e := range w.entries {
		if e.isSettled {
			delete(w.entries, k)
		}
	}
	w.settled = make(map[VoterID]*list.List)
}

func (w *Window) removeLocked(e *windowEntry) {
	if cur, ok := w.entries[e.key]; ok && cur == e {
		delete(w.entries, e.key)
	}
	if e.elem != nil {
		if l, ok := w.settled[e.key.voter]; ok {
			l.Remove(e.elem)
			if l.Len() == 0 {
				delete(w.settled, e.key.voter)
			}
		}
		e.elem = nil
	}
}
