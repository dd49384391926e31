/*
transition.go - The reaction transition table

PURPOSE:
  One pure function decides how a voter's stance changes and what that does
  to the subject's counters. Every store calls it inside its critical section;
  nothing else computes deltas.

TABLE:
  current  requested  next   Δup  Δdown
  none     up         up     +1    0
  none     down       down    0   +1
  up       up         none   -1    0
  up       down       down   -1   +1
  down     down       none    0   -1
  down     up         up     +1   -1

  Requesting the stance already held toggles it off. Requesting the opposite
  stance switches, and both deltas are applied together so the aggregate is
  never observed half-switched.
*/
package reaction

import "time"

// Transition is the result of Compute.
type Transition struct {
	Current   State
	Requested State
	Next      State
	DeltaUp   int64
	DeltaDown int64
}

// Changed reports whether the transition moves the voter to a new state.
// Every valid transition does; this exists for readability at call sites.
func (t Transition) Changed() bool { return t.Current != t.Next }

type transitionKey struct {
	current   State
	requested State
}

type transitionResult struct {
	next      State
	deltaUp   int64
	deltaDown int64
}

var transitions = map[transitionKey]transitionResult{
	{StateNone, StateUp}:   {StateUp, +1, 0},
	{StateNone, StateDown}: {StateDown, 0, +1},
	{StateUp, StateUp}:     {StateNone, -1, 0},
	{StateUp, StateDown}:   {StateDown, -1, +1},
	{StateDown, StateDown}: {StateNone, 0, -1},
	{StateDown, StateUp}:   {StateUp, +1, -1},
}

// Compute returns the next state and counter deltas for a request.
// It fails with InvalidReactionError when requested is not up/down or when
// current is not a known state.
func Compute(current, requested State) (Transition, error) {
	if !requested.Requestable() {
		return Transition{}, &InvalidReactionError{Value: string(requested)}
	}
	if current == "" {
		current = StateNone
	}
	r, ok := transitions[transitionKey{current, requested}]
	if !ok {
		return Transition{}, &InvalidReactionError{Value: string(current)}
	}
	return Transition{
		Current:   current,
		Requested: requested,
		Next:      r.next,
		DeltaUp:   r.deltaUp,
		DeltaDown: r.deltaDown,
	}, nil
}

// Apply returns the subject with the transition's deltas applied.
// Stores call it inside their critical section.
func (s Subject) Apply(t Transition, at time.Time) Subject {
	s.Upvotes += t.DeltaUp
	s.Downvotes += t.DeltaDown
	s.Version++
	s.UpdatedAt = at
	return s
}
