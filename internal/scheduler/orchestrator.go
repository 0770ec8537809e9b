// Package scheduler decides which sync work runs and when. The enqueue policy
// turns inbound wallet requests into job rows (reusing finished work where it
// is still fresh); the scheduling loop hands pending jobs to the worker one at
// a time, cycling fairly across wallets.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/address"
	"github.com/polkatax/rewardsync/internal/chains"
	"github.com/polkatax/rewardsync/internal/jobs"
	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store"
)

const (
	// DefaultStalenessWindow is how old a done job may be before a new
	// request for it triggers an incremental refresh.
	DefaultStalenessWindow = 24 * time.Hour

	// refreshOverlap is re-fetched on every incremental refresh to tolerate
	// boundary gaps in explorer indexing.
	refreshOverlap = 24 * time.Hour
)

// Processor executes one job. It must never return an error or panic;
// anything terminal ends up on the job row or in a log line.
type Processor interface {
	Process(ctx context.Context, job *model.Job)
}

type Orchestrator struct {
	jobs            *jobs.Service
	view            *jobs.PendingView
	registry        *chains.Registry
	processor       Processor
	stalenessWindow time.Duration
	retryInterval   time.Duration

	// lastWallet is only touched by the scheduling loop goroutine.
	lastWallet string

	now func() time.Time
}

func NewOrchestrator(service *jobs.Service, view *jobs.PendingView, registry *chains.Registry, processor Processor, stalenessWindow time.Duration) *Orchestrator {
	if stalenessWindow <= 0 {
		stalenessWindow = DefaultStalenessWindow
	}
	return &Orchestrator{
		jobs:            service,
		view:            view,
		registry:        registry,
		processor:       processor,
		stalenessWindow: stalenessWindow,
		retryInterval:   5 * time.Second,
		now:             time.Now,
	}
}

// Enqueue applies the enqueue policy for one inbound request: per requested
// chain (or every chain applicable to the wallet when none are named) it
// reuses, refreshes or recreates the job and returns the resulting rows. The
// returned jobs are a usable snapshot of current state even before any
// processing happens.
func (o *Orchestrator) Enqueue(ctx context.Context, wallet, currency string, blockchains []string, requestID string) ([]*model.Job, error) {
	if len(blockchains) == 0 {
		kind, err := address.Detect(wallet)
		if err != nil {
			return nil, err
		}
		for _, chain := range o.registry.ForKind(kind) {
			blockchains = append(blockchains, chain.Name)
		}
	}

	out := make([]*model.Job, 0, len(blockchains))
	for _, blockchain := range blockchains {
		id := model.JobID{Wallet: wallet, Blockchain: blockchain, Currency: currency}
		job, err := o.enqueueOne(ctx, id, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue %s/%s: %w", wallet, blockchain, err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (o *Orchestrator) enqueueOne(ctx context.Context, id model.JobID, requestID string) (*model.Job, error) {
	existing, err := o.jobs.Find(ctx, id)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, err
	}

	switch {
	case existing == nil || existing.Status == model.StatusError:
		// No usable history: start over from the lookback origin.
		// Recreating (rather than resetting in place) also clears any
		// in-flight ambiguity left on the old row.
		return o.recreate(ctx, existing, &model.Job{
			Wallet:       id.Wallet,
			Blockchain:   id.Blockchain,
			Currency:     id.Currency,
			RequestID:    requestID,
			SyncFromDate: lookbackOrigin(o.now()),
		})

	case existing.Status == model.StatusDone && o.now().Sub(existing.LastModified) > o.stalenessWindow:
		// Refresh: keep the already-fetched history and only sync the
		// incremental tail, overlapping one day behind the resume point.
		return o.recreate(ctx, existing, &model.Job{
			Wallet:       id.Wallet,
			Blockchain:   id.Blockchain,
			Currency:     id.Currency,
			RequestID:    requestID,
			SyncFromDate: existing.SyncedUntil - refreshOverlap.Milliseconds(),
			Data:         existing.Data,
		})

	default:
		// Fresh done, pending or in_progress: the existing job already
		// satisfies the request, never re-trigger running work.
		return existing, nil
	}
}

func (o *Orchestrator) recreate(ctx context.Context, existing *model.Job, fresh *model.Job) (*model.Job, error) {
	if existing == nil {
		return o.jobs.AddJob(ctx, fresh)
	}
	return o.jobs.Replace(ctx, existing.ID(), fresh)
}

// lookbackOrigin is the start of the fetch window for a job with no usable
// history: January 1st, two years back.
func lookbackOrigin(now time.Time) int64 {
	return time.Date(now.Year()-2, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}

// Run is the perpetual scheduling loop: wait for pending work, select the
// next job wallet-fairly, hand it to the worker, repeat. Per-iteration
// failures are logged and swallowed; only ctx cancellation ends the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info().Msg("Starting scheduling loop")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pending := o.view.Snapshot()
		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.view.Changed():
			}
			continue
		}

		if !o.runOnce(ctx, pending) {
			// Nothing processable in this snapshot (e.g. the selected
			// job was claimed elsewhere); wait for the view to move
			// instead of spinning on stale state. The timer covers
			// transient store failures that leave real work in the
			// snapshot with no further signal coming.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.view.Changed():
			case <-time.After(o.retryInterval):
			}
		}
	}
}

// runOnce selects and processes a single job. Returns false when no work was
// handed to the worker.
func (o *Orchestrator) runOnce(ctx context.Context, pending []*model.Job) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Scheduling iteration panicked")
			processed = true // state is unknown, re-examine the view immediately
		}
	}()

	next := determineNextJob(pending, o.lastWallet)
	if next == nil {
		return false
	}

	// The cached view may be stale; re-fetch the canonical row.
	job, err := o.jobs.Find(ctx, next.ID())
	if err != nil {
		if !errors.Is(err, store.ErrJobNotFound) {
			log.Error().Err(err).Str("wallet", next.Wallet).Msg("Failed to re-fetch selected job")
		}
		return false
	}
	if job.Status != model.StatusPending {
		return false
	}

	o.processor.Process(ctx, job)
	o.lastWallet = job.Wallet
	return true
}

// determineNextJob picks the next pending job using wallet round robin rather
// than raw FIFO, so one wallet with many pending chains cannot starve others.
// Wallet order is first appearance after sorting by lastModified ascending;
// the successor of lastWallet is chosen cyclically, and that wallet's oldest
// job wins. An empty or vanished lastWallet falls back to the front.
func determineNextJob(pending []*model.Job, lastWallet string) *model.Job {
	if len(pending) == 0 {
		return nil
	}

	sorted := make([]*model.Job, len(pending))
	copy(sorted, pending)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LastModified.Before(sorted[j].LastModified)
	})

	if lastWallet == "" {
		return sorted[0]
	}

	var wallets []string
	seen := make(map[string]bool)
	for _, job := range sorted {
		if !seen[job.Wallet] {
			seen[job.Wallet] = true
			wallets = append(wallets, job.Wallet)
		}
	}

	next := wallets[0]
	for i, wallet := range wallets {
		if wallet == lastWallet {
			next = wallets[(i+1)%len(wallets)]
			break
		}
	}

	for _, job := range sorted {
		if job.Wallet == next {
			return job
		}
	}
	return sorted[0]
}
