package jobs

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store"
)

// PendingView maintains a continuously refreshed snapshot of all pending
// jobs. It re-queries the store every time the pending-changed signal fires,
// so concurrent observers share one query instead of each issuing their own.
// The snapshot is a cache of last-known state: consumers that act on an entry
// must re-fetch the canonical row first.
type PendingView struct {
	store store.JobStore

	mu   sync.RWMutex
	jobs []*model.Job

	// changed carries one coalesced signal per snapshot swap.
	changed chan struct{}
}

func NewPendingView(jobStore store.JobStore) *PendingView {
	return &PendingView{
		store:   jobStore,
		changed: make(chan struct{}, 1),
	}
}

// Run primes the snapshot and keeps it fresh until ctx is cancelled.
// Query failures keep the previous snapshot; the next signal retries.
func (v *PendingView) Run(ctx context.Context) error {
	signals, unsubscribe := v.store.SubscribePendingChanged()
	defer unsubscribe()

	v.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-signals:
			if !ok {
				return nil
			}
			v.refresh(ctx)
		}
	}
}

func (v *PendingView) refresh(ctx context.Context) {
	pending, err := v.store.ListPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to refresh pending jobs view")
		return
	}

	v.mu.Lock()
	v.jobs = pending
	v.mu.Unlock()

	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// Snapshot returns the last known pending set, oldest first.
func (v *PendingView) Snapshot() []*model.Job {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.jobs
}

// Changed signals that the snapshot was swapped. Rapid changes coalesce.
func (v *PendingView) Changed() <-chan struct{} {
	return v.changed
}
