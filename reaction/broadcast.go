package reaction

import (
	"sync"
	"sync/atomic"
)

// Publisher receives every tally the Ledger changes. Publish must not block.
type Publisher interface {
	Publish(t Tally)
}

// Broker fans tallies out to in-process subscribers of a subject.
//
// Delivery is best effort: a subscriber whose buffer is full misses the
// update (counted in Dropped). Tallies carry Version, so subscribers keep the
// highest version they have seen and ignore older ones.
type Broker struct {
	mu      sync.RWMutex
	subs    map[SubjectID]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

// Subscription is one subscriber's feed for one subject.
type Subscription struct {
	C <-chan Tally

	ch        chan Tally
	subjectID SubjectID
	broker    *Broker
	once      sync.Once
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		subs:   make(map[SubjectID]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe starts delivering tallies for subjectID.
func (b *Broker) Subscribe(subjectID SubjectID) *Subscription {
	ch := make(chan Tally, b.buffer)
	s := &Subscription{C: ch, ch: ch, subjectID: subjectID, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[subjectID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[subjectID] = set
	}
	set[s] = struct{}{}
	return s
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if set, ok := b.subs[s.subjectID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.subjectID)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}

// SubjectID returns the subject this subscription follows.
func (s *Subscription) SubjectID() SubjectID { return s.subjectID }

func (b *Broker) Publish(t Tally) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[t.SubjectID] {
		select {
		case s.ch <- t:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions for subjectID.
func (b *Broker) Subscribers(subjectID SubjectID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subjectID])
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }
