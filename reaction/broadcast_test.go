package reaction_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algosocial/reaction-ledger/reaction"
)

func TestBroker_DeliversOnlyToSubjectSubscribers(t *testing.T) {
	b := reaction.NewBroker(4)
	p := b.Subscribe("P")
	q := b.Subscribe("Q")
	defer p.Close()
	defer q.Close()

	b.Publish(reaction.Tally{SubjectID: "P", Upvotes: 1, Version: 1})

	select {
	case got := <-p.C:
		assert.Equal(t, int64(1), got.Upvotes)
	default:
		t.Fatal("P subscriber got nothing")
	}
	select {
	case got := <-q.C:
		t.Fatalf("Q subscriber got %+v", got)
	default:
	}
}

func TestBroker_FullBufferDrops(t *testing.T) {
	b := reaction.NewBroker(1)
	s := b.Subscribe("P")
	defer s.Close()

	b.Publish(reaction.Tally{SubjectID: "P", Version: 1})
	b.Publish(reaction.Tally{SubjectID: "P", Version: 2})

	assert.Equal(t, int64(1), b.Dropped())
	got := <-s.C
	assert.Equal(t, int64(1), got.Version)
}

func TestBroker_CloseIsIdempotent(t *testing.T) {
	b := reaction.NewBroker(0)
	s := b.Subscribe("P")
	require.Equal(t, 1, b.Subscribers("P"))

	s.Close()
	s.Close()

	assert.Equal(t, 0, b.Subscribers("P"))
	_, open := <-s.C
	assert.False(t, open)

	// Publishing after close must not panic.
	b.Publish(reaction.Tally{SubjectID: "P"})
}

func TestSubjectLocks_ReleasesEntries(t *testing.T) {
	l := reaction.NewSubjectLocks()
	unlockA := l.Lock("A")
	unlockB := l.Lock("B")
	assert.Equal(t, 2, l.Held())

	unlockA()
	unlockB()
	assert.Equal(t, 0, l.Held())
}
