// Package worker executes a single sync job end to end: resolve the chain,
// claim the job, fetch rewards, merge with carried history, record the
// outcome. Process never propagates an error; whatever goes wrong becomes the
// job's error field or a log line, so the scheduling loop above it survives.
package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/chains"
	"github.com/polkatax/rewardsync/internal/jobs"
	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/rewards"
)

type Worker struct {
	jobs     *jobs.Service
	registry *chains.Registry
	fetcher  rewards.Fetcher
}

func New(service *jobs.Service, registry *chains.Registry, fetcher rewards.Fetcher) *Worker {
	return &Worker{
		jobs:     service,
		registry: registry,
		fetcher:  fetcher,
	}
}

func (w *Worker) Process(ctx context.Context, job *model.Job) {
	id := job.ID()

	chain, ok := w.registry.Get(job.Blockchain)
	if !ok {
		// Unknown chain fails before any claim is attempted.
		w.fail(ctx, id, model.JobError{Code: 400, Message: "chain not found"})
		return
	}

	claimed, err := w.jobs.SetInProgress(ctx, id)
	if err != nil {
		log.Error().Err(err).
			Str("wallet", id.Wallet).
			Str("blockchain", id.Blockchain).
			Msg("Failed to claim job")
		return
	}
	if !claimed {
		// Another process got there first; not our job anymore.
		log.Debug().
			Str("wallet", id.Wallet).
			Str("blockchain", id.Blockchain).
			Msg("Job already claimed elsewhere, skipping")
		return
	}

	fresh, err := w.fetcher.FetchStakingRewards(ctx, chain, job.Wallet, job.Currency, job.SyncFromDate)
	if err != nil {
		code := 500
		var statusErr *rewards.StatusError
		if errors.As(err, &statusErr) && statusErr.Code != 0 {
			code = statusErr.Code
		}
		w.fail(ctx, id, model.JobError{Code: code, Message: err.Error()})
		return
	}

	merged := mergeRewards(job.Data, fresh, job.SyncFromDate)
	if err := w.jobs.SetDone(ctx, id, merged); err != nil {
		log.Error().Err(err).
			Str("wallet", id.Wallet).
			Str("blockchain", id.Blockchain).
			Msg("Failed to record job completion")
	}
}

// fail records the failure on the job. If even that fails (store unavailable)
// the error is logged and swallowed.
func (w *Worker) fail(ctx context.Context, id model.JobID, jobErr model.JobError) {
	log.Warn().
		Str("wallet", id.Wallet).
		Str("blockchain", id.Blockchain).
		Int("code", jobErr.Code).
		Str("msg", jobErr.Message).
		Msg("Job failed")

	if err := w.jobs.SetError(ctx, id, jobErr); err != nil {
		log.Error().Err(err).
			Str("wallet", id.Wallet).
			Str("blockchain", id.Blockchain).
			Msg("Failed to record job failure")
	}
}

// mergeRewards combines history carried over from a previous run with a fresh
// fetch. Carried entries before the sync cutoff are kept as settled; the fresh
// fetch covers the cutoff onward, including the safety-margin overlap, so
// entries appearing in both are deduplicated by hash.
func mergeRewards(carried, fresh *model.RewardData, syncFrom int64) *model.RewardData {
	if carried == nil || len(carried.Values) == 0 {
		return fresh
	}

	merged := &model.RewardData{
		Token:       fresh.Token,
		PriceEndDay: fresh.PriceEndDay,
	}

	seen := make(map[string]bool)
	for _, reward := range carried.Values {
		if reward.Timestamp < syncFrom {
			merged.Values = append(merged.Values, reward)
			seen[reward.Hash] = true
		}
	}
	for _, reward := range fresh.Values {
		if seen[reward.Hash] {
			continue
		}
		merged.Values = append(merged.Values, reward)
	}

	return merged
}
