package watcher

import "sync"

// item is a message payload or a terminal error awaiting delivery
type item struct {
	payload []byte
	err     *Error
}

// deliveryQueue is an unbounded FIFO drained by one goroutine
type deliveryQueue struct {
	mu     sync.Mutex
	items  []item
	wake   chan struct{}
	sealed bool // no more pushes; drain what is left
	closed bool // drop everything
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{wake: make(chan struct{}, 1)}
}

func (q *deliveryQueue) push(it item) bool {
	q.mu.Lock()
	if q.sealed || q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.signal()
	return true
}

// seal appends a last item and refuses further pushes
func (q *deliveryQueue) seal(last item) {
	q.mu.Lock()
	if q.sealed || q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, last)
	q.sealed = true
	q.mu.Unlock()

	q.signal()
}

// discardAndSeal drops pending payloads, appends a last item and refuses
// further pushes. It returns how many payloads were dropped.
func (q *deliveryQueue) discardAndSeal(last item) int {
	q.mu.Lock()
	if q.sealed || q.closed {
		q.mu.Unlock()
		return 0
	}
	dropped := 0
	kept := q.items[:0]
	for _, it := range q.items {
		if it.err == nil {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	q.items = append(kept, last)
	q.sealed = true
	q.mu.Unlock()

	q.signal()
	return dropped
}

// close drops pending items and stops the consumer
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.signal()
}

func (q *deliveryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks for the next item; false once the queue is closed, or sealed and empty
func (q *deliveryQueue) pop() (item, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return item{}, false
		}
		if len(q.items) > 0 {
			it := q.items[0]
			q.items[0] = item{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return it, true
		}
		if q.sealed {
			q.mu.Unlock()
			return item{}, false
		}
		q.mu.Unlock()

		<-q.wake
	}
}

func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
