package gateway

import (
	"sync"

	"github.com/ocmt/backend/pkg/relayapi"
)

// DefaultInboxDepth bounds how many pulled envelopes wait for the agent.
const DefaultInboxDepth = 256

// Inbox holds envelopes pulled from the relay mesh until the agent reads and
// acknowledges them. Envelopes are deduplicated by message id because a
// multi-relay pull can return the same message twice before the ack lands
// everywhere. When full, the oldest envelope is dropped.
type Inbox struct {
	mu    sync.Mutex
	max   int
	byID  map[string]relayapi.PendingMessage
	order []string
}

// NewInbox returns an empty inbox. depth <= 0 selects DefaultInboxDepth.
func NewInbox(depth int) *Inbox {
	if depth <= 0 {
		depth = DefaultInboxDepth
	}
	return &Inbox{
		max:  depth,
		byID: make(map[string]relayapi.PendingMessage),
	}
}

// Put stores an envelope. It reports false for duplicates.
func (in *Inbox) Put(msg relayapi.PendingMessage) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.byID[msg.ID]; ok {
		return false
	}
	if len(in.order) >= in.max {
		oldest := in.order[0]
		in.order = in.order[1:]
		delete(in.byID, oldest)
	}
	in.byID[msg.ID] = msg
	in.order = append(in.order, msg.ID)
	return true
}

// List returns up to limit envelopes, oldest first, without consuming them.
// limit <= 0 returns everything.
func (in *Inbox) List(limit int) []relayapi.PendingMessage {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]relayapi.PendingMessage, 0, n)
	for _, id := range in.order[:n] {
		out = append(out, in.byID[id])
	}
	return out
}

// Remove drops acknowledged envelopes and reports how many were present.
func (in *Inbox) Remove(ids []string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	removed := 0
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := in.byID[id]; ok {
			drop[id] = true
			delete(in.byID, id)
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	kept := in.order[:0]
	for _, id := range in.order {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	in.order = kept
	return removed
}

// Len reports how many envelopes wait.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.order)
}
