package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueTicket_StartsAtOne(t *testing.T) {
	s := New()

	require.Equal(t, uint64(1), s.IssueTicket())
	require.Equal(t, uint64(2), s.IssueTicket())
	require.False(t, s.ShouldWait(1), "ticket 0 is pre-complete, so ticket 1 never waits")
	require.True(t, s.ShouldWait(2))
}

func TestShouldWait_FalseAfterPredecessorsAndStaysFalse(t *testing.T) {
	s := New()
	t1 := s.IssueTicket()
	t2 := s.IssueTicket()
	t3 := s.IssueTicket()

	require.True(t, s.ShouldWait(t3))

	s.MarkComplete(t1)
	require.True(t, s.ShouldWait(t3), "t2 still incomplete")
	require.False(t, s.ShouldWait(t2))

	s.MarkComplete(t2)
	require.False(t, s.ShouldWait(t3))

	// Later activity never reverts completion
	s.IssueTicket()
	s.MarkComplete(t1)
	s.MarkComplete(t2)
	require.False(t, s.ShouldWait(t3))
	require.True(t, s.IsComplete(t1))
	require.True(t, s.IsComplete(t2))
	require.False(t, s.IsComplete(t3))
}

func TestMarkComplete_OutOfOrder(t *testing.T) {
	s := New()
	for i := 0; i < 4; i++ {
		s.IssueTicket()
	}

	s.MarkComplete(3)
	s.MarkComplete(1)
	assert.True(t, s.ShouldWait(4), "ticket 2 is still outstanding")
	assert.True(t, s.IsComplete(3))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Watermark)
	assert.Equal(t, 2, stats.Pending)

	s.MarkComplete(2)
	assert.False(t, s.ShouldWait(4))

	stats = s.Stats()
	assert.Equal(t, uint64(3), stats.Watermark, "watermark folds the out-of-order completion")
	assert.Equal(t, 1, stats.Pending)
	assert.Empty(t, s.completed, "bookkeeping below the watermark is dropped")
}

func TestMarkComplete_IdempotentAndIgnoresUnissued(t *testing.T) {
	s := New()
	t1 := s.IssueTicket()

	s.MarkComplete(t1)
	s.MarkComplete(t1)
	s.MarkComplete(0)
	s.MarkComplete(99)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Next)
	assert.Equal(t, uint64(1), stats.Watermark)
	assert.Equal(t, 0, stats.Pending)
	assert.False(t, s.IsComplete(99))
}

func TestWait_ReturnsImmediatelyWhenAdmitted(t *testing.T) {
	s := New()
	t1 := s.IssueTicket()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.Wait(ctx, t1))
}

func TestWait_UnblocksOnPredecessorCompletion(t *testing.T) {
	s := New()
	t1 := s.IssueTicket()
	t2 := s.IssueTicket()

	admitted := make(chan error, 1)
	go func() {
		admitted <- s.Wait(context.Background(), t2)
	}()

	select {
	case <-admitted:
		t.Fatal("t2 admitted before t1 completed")
	case <-time.After(50 * time.Millisecond):
	}

	s.MarkComplete(t1)

	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("t2 not admitted after t1 completed")
	}
	assert.Equal(t, 0, s.Stats().Waiters)
}

func TestWait_ContextCancelRemovesWaiter(t *testing.T) {
	s := New()
	s.IssueTicket()
	t2 := s.IssueTicket()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Wait(ctx, t2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Stats().Waiters)
}

func TestWait_FailureCompletionUnblocksSuccessors(t *testing.T) {
	// Ticket 2 "fails" but still completes; ticket 3 must not block forever.
	s := New()
	t1, t2, t3 := s.IssueTicket(), s.IssueTicket(), s.IssueTicket()

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Wait(context.Background(), t3))
	}()

	s.MarkComplete(t1)
	s.MarkComplete(t2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("t3 blocked although every predecessor completed")
	}
}

func TestWait_AdmitsInTicketOrder(t *testing.T) {
	s := New()
	const n = 50

	tickets := make([]uint64, n)
	for i := range tickets {
		tickets[i] = s.IssueTicket()
	}

	var mu sync.Mutex
	var order []uint64
	var wg sync.WaitGroup

	// Start waiters in reverse so scheduling order cannot explain the result
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(ticket uint64) {
			defer wg.Done()
			if err := s.Wait(context.Background(), ticket); err != nil {
				t.Errorf("wait %d: %v", ticket, err)
				return
			}
			mu.Lock()
			order = append(order, ticket)
			mu.Unlock()
			s.MarkComplete(ticket)
		}(tickets[i])
	}

	wg.Wait()

	require.Len(t, order, n)
	for i, ticket := range order {
		assert.Equal(t, tickets[i], ticket, "position %d", i)
	}
	assert.Equal(t, 0, s.PendingTickets())
}

func TestIssueTicket_ConcurrentUnique(t *testing.T) {
	s := New()
	const goroutines, per = 20, 100

	var mu sync.Mutex
	seen := make(map[uint64]struct{}, goroutines*per)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				ticket := s.IssueTicket()
				mu.Lock()
				seen[ticket] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*per)
	assert.Equal(t, uint64(goroutines*per), s.Stats().Next)
	assert.Equal(t, goroutines*per, s.PendingTickets())
}
