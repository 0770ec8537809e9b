package store

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/model"
)

const jobChangedBuffer = 64

// Notifier fans change signals out to in-process subscribers. Store
// implementations feed it: the memory store directly on every write, the
// postgres store from its LISTEN loop so signals reach every process.
type Notifier struct {
	mu          sync.RWMutex
	nextID      int
	jobSubs     map[int]chan model.JobID
	pendingSubs map[int]chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		jobSubs:     make(map[int]chan model.JobID),
		pendingSubs: make(map[int]chan struct{}),
	}
}

func (n *Notifier) SubscribeJobChanged() (<-chan model.JobID, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan model.JobID, jobChangedBuffer)
	n.jobSubs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.jobSubs[id]; ok {
			delete(n.jobSubs, id)
			close(ch)
		}
	}
}

func (n *Notifier) SubscribePendingChanged() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	// Capacity 1: rapid pending-set changes coalesce into a single signal,
	// which is fine because consumers re-query rather than count signals.
	ch := make(chan struct{}, 1)
	n.pendingSubs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.pendingSubs[id]; ok {
			delete(n.pendingSubs, id)
			close(ch)
		}
	}
}

// NotifyJobChanged delivers a job identity to every subscriber. Sends are
// non-blocking so a slow consumer cannot stall the store; dropped signals are
// tolerable because consumers re-fetch authoritative state anyway.
func (n *Notifier) NotifyJobChanged(id model.JobID) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.jobSubs {
		select {
		case ch <- id:
		default:
			log.Warn().
				Str("wallet", id.Wallet).
				Str("blockchain", id.Blockchain).
				Msg("Job change channel full, dropping signal")
		}
	}
}

func (n *Notifier) NotifyPendingChanged() {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.pendingSubs {
		select {
		case ch <- struct{}{}:
		default:
			// Signal already queued, nothing lost.
		}
	}
}

// Close closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, ch := range n.jobSubs {
		close(ch)
		delete(n.jobSubs, id)
	}
	for id, ch := range n.pendingSubs {
		close(ch)
		delete(n.pendingSubs, id)
	}
}
