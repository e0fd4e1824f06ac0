// Package sequencer hands out admission tickets and enforces that subscription
// registrations leave the process in the order the tickets were issued.
//
// Ticket t may proceed only once every ticket below t has completed. Completion,
// not success, is what unblocks the next ticket: a registration that fails still
// completes its ticket, so a broken subscription never stalls the ones behind it.
//
// State is guarded by a single mutex. Completed tickets are folded into a
// watermark (every ticket <= watermark is complete), so bookkeeping is bounded by
// the number of tickets in flight rather than the number ever issued.
package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/maxpert/liveq/telemetry"
	"github.com/rs/zerolog/log"
)

type ticketWaiter struct {
	ticket uint64
	ch     chan struct{}
}

// Sequencer issues tickets and tracks their completion
type Sequencer struct {
	mu sync.Mutex

	// last ticket handed out; ticket 0 is never issued and counts as complete
	next uint64

	// every ticket <= watermark is complete
	watermark uint64

	// tickets completed out of order, all > watermark
	completed map[uint64]struct{}

	// sorted by ticket ascending
	waiters []ticketWaiter
}

// Stats is a point-in-time view of the sequencer
type Stats struct {
	Next      uint64 `json:"next"`
	Watermark uint64 `json:"watermark"`
	Pending   int    `json:"pending"`
	Waiters   int    `json:"waiters"`
}

// Default is the process-wide sequencer shared by every client
var Default = New()

// New creates a sequencer whose first ticket is 1
func New() *Sequencer {
	return &Sequencer{
		completed: make(map[uint64]struct{}),
	}
}

// IssueTicket returns the next ticket; it starts out incomplete
func (s *Sequencer) IssueTicket() uint64 {
	s.mu.Lock()
	s.next++
	t := s.next
	s.mu.Unlock()

	telemetry.TicketsIssuedTotal.Inc()
	return t
}

// MarkComplete records that the ticket's registration finished. It is idempotent
// and ignores tickets that were never issued.
func (s *Sequencer) MarkComplete(ticket uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket == 0 || ticket <= s.watermark {
		return
	}
	if ticket > s.next {
		log.Warn().Uint64("ticket", ticket).Uint64("next", s.next).Msg("Ignoring completion of unissued ticket")
		return
	}
	if _, ok := s.completed[ticket]; ok {
		return
	}
	s.completed[ticket] = struct{}{}

	advanced := false
	for {
		if _, ok := s.completed[s.watermark+1]; !ok {
			break
		}
		delete(s.completed, s.watermark+1)
		s.watermark++
		advanced = true
	}

	if advanced {
		s.notifyLocked()
	}
}

// ShouldWait reports whether any ticket below the given one is still incomplete
func (s *Sequencer) ShouldWait(ticket uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldWaitLocked(ticket)
}

func (s *Sequencer) shouldWaitLocked(ticket uint64) bool {
	return ticket > 0 && ticket-1 > s.watermark
}

// IsComplete reports whether the ticket itself has completed
func (s *Sequencer) IsComplete(ticket uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket <= s.watermark {
		return true
	}
	_, ok := s.completed[ticket]
	return ok
}

// Wait blocks until every ticket below the given one has completed or ctx ends.
// Returns nil when admitted, the context error otherwise.
func (s *Sequencer) Wait(ctx context.Context, ticket uint64) error {
	s.mu.Lock()
	if !s.shouldWaitLocked(ticket) {
		s.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	i := sort.Search(len(s.waiters), func(i int) bool {
		return s.waiters[i].ticket >= ticket
	})
	s.waiters = append(s.waiters, ticketWaiter{})
	copy(s.waiters[i+1:], s.waiters[i:])
	s.waiters[i] = ticketWaiter{ticket: ticket, ch: ch}
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for j, w := range s.waiters {
			if w.ch == ch {
				s.waiters = append(s.waiters[:j], s.waiters[j+1:]...)
				break
			}
		}
		// Admission may have raced with cancellation; report it as admitted
		// only if the channel was closed before we removed ourselves.
		admitted := false
		select {
		case <-ch:
			admitted = true
		default:
		}
		s.mu.Unlock()
		if admitted {
			return nil
		}
		return ctx.Err()
	}
}

// notifyLocked wakes every waiter whose predecessors are now all complete
func (s *Sequencer) notifyLocked() {
	if len(s.waiters) == 0 {
		return
	}

	i := sort.Search(len(s.waiters), func(i int) bool {
		return s.shouldWaitLocked(s.waiters[i].ticket)
	})

	for j := 0; j < i; j++ {
		close(s.waiters[j].ch)
	}
	s.waiters = s.waiters[i:]
}

// PendingTickets returns the number of issued tickets that have not completed
func (s *Sequencer) PendingTickets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.next-s.watermark) - len(s.completed)
}

// Stats returns a snapshot for diagnostics
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Next:      s.next,
		Watermark: s.watermark,
		Pending:   int(s.next-s.watermark) - len(s.completed),
		Waiters:   len(s.waiters),
	}
}
