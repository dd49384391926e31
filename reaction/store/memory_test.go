package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algosocial/reaction-ledger/reaction"
	"github.com/algosocial/reaction-ledger/reaction/store"
	"github.com/algosocial/reaction-ledger/reaction/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts reaction.StoreOptions) reaction.Store {
		return store.NewMemory(opts)
	})
}

func TestMemory_CreateSubject_RequiresID(t *testing.T) {
	m := store.NewMemory(reaction.StoreOptions{})
	_, err := m.CreateSubject(context.Background(), reaction.Subject{Kind: reaction.KindPost})
	assert.ErrorIs(t, err, reaction.ErrMissingSubject)
}

func TestMemory_CanceledContext_NothingApplied(t *testing.T) {
	// GIVEN: a caller that has already given up
	m := store.NewMemory(reaction.StoreOptions{AutoCreate: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: the call arrives
	_, err := m.ApplyAtomically(ctx, reaction.Request{
		SubjectID: "P", VoterID: "A", Requested: reaction.StateUp, IdempotencyToken: "t",
	})

	// THEN: the critical section never starts
	assert.ErrorIs(t, err, context.Canceled)
	_, err = m.Subject(context.Background(), "P")
	assert.ErrorIs(t, err, reaction.ErrUnknownSubject)
}

func TestMemory_DifferentSubjects_DoNotBlockEachOther(t *testing.T) {
	// GIVEN: two subjects receiving a burst of votes at the same time
	// THEN: both bursts complete and neither loses an update
	m := store.NewMemory(reaction.StoreOptions{AutoCreate: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	start := make(chan struct{})
	for _, subject := range []string{"A", "B"} {
		subject := subject
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 500; i++ {
				_, err := m.ApplyAtomically(ctx, reaction.Request{
					SubjectID:        reaction.SubjectID(subject),
					VoterID:          reaction.VoterID(fmt.Sprintf("v-%d", i)),
					Requested:        reaction.StateDown,
					IdempotencyToken: fmt.Sprintf("%s-%d", subject, i),
				})
				assert.NoError(t, err)
			}
		}()
	}
	close(start)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("votes on separate subjects did not complete")
	}

	for _, subject := range []reaction.SubjectID{"A", "B"} {
		agg, err := m.Aggregate(ctx, subject, "")
		require.NoError(t, err)
		assert.Equal(t, int64(500), agg.Downvotes)
	}
}

func TestMemory_SnapshotIsACopy(t *testing.T) {
	m := store.NewMemory(reaction.StoreOptions{AutoCreate: true})
	ctx := context.Background()

	_, err := m.ApplyAtomically(ctx, reaction.Request{SubjectID: "P", VoterID: "A", Requested: reaction.StateUp, IdempotencyToken: "1"})
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx, "P")
	require.NoError(t, err)
	snap.History[0].DeltaUp = 99

	again, err := m.Snapshot(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.History[0].DeltaUp)
	assert.Equal(t, "1", again.History[0].IdempotencyToken)
	assert.NotEmpty(t, again.History[0].ID)
}
