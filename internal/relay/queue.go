package relay

import (
	"sync"

	"github.com/ocmt/backend/pkg/relayapi"
)

// DefaultQueueDepth bounds each recipient's pending queue. When a queue is
// full the oldest envelope is dropped: a recipient offline long enough to
// overflow its queue re-syncs from snapshots, not from stale messages.
const DefaultQueueDepth = 1000

// PendingQueues holds per-recipient FIFO queues of envelopes awaiting poll.
// Per-sender-per-target ordering is preserved as long as nothing overflows.
type PendingQueues struct {
	mu     sync.Mutex
	depth  int
	byID   map[string][]relayapi.PendingMessage
	total  int
	onDrop func()
}

// NewPendingQueues creates the queue set. depth <= 0 selects the default;
// onDrop, when non-nil, observes every overflow eviction.
func NewPendingQueues(depth int, onDrop func()) *PendingQueues {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &PendingQueues{
		depth:  depth,
		byID:   make(map[string][]relayapi.PendingMessage),
		onDrop: onDrop,
	}
}

// Enqueue appends an envelope to the recipient's queue, evicting the oldest
// entry when full. Reports whether an eviction happened.
func (q *PendingQueues) Enqueue(to string, msg relayapi.PendingMessage) bool {
	q.mu.Lock()
	msgs := q.byID[to]
	dropped := false
	if len(msgs) >= q.depth {
		msgs = msgs[1:]
		dropped = true
		q.total--
	}
	q.byID[to] = append(msgs, msg)
	q.total++
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	return dropped
}

// Peek returns up to limit envelopes, oldest first, without removing them.
// Envelopes leave the queue only through Ack.
func (q *PendingQueues) Peek(to string, limit int) []relayapi.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.byID[to]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]relayapi.PendingMessage, limit)
	copy(out, msgs[:limit])
	return out
}

// Ack removes the identified envelopes from the recipient's queue and returns
// how many were found.
func (q *PendingQueues) Ack(to string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.byID[to]
	kept := msgs[:0]
	acked := 0
	for _, m := range msgs {
		if drop[m.ID] {
			acked++
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		delete(q.byID, to)
	} else {
		q.byID[to] = kept
	}
	q.total -= acked
	return acked
}

// Drop discards a recipient's entire queue and returns how many envelopes it
// held. Used when a registration is removed.
func (q *PendingQueues) Drop(to string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.byID[to])
	delete(q.byID, to)
	q.total -= n
	return n
}

// Len returns one recipient's queue depth.
func (q *PendingQueues) Len(to string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID[to])
}

// Total returns the number of queued envelopes across all recipients.
func (q *PendingQueues) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
