// Package jobs is the typed domain API over the job store. Components never
// talk SQL or notification channels directly; they go through this layer.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store"
)

// DefaultSafetyMargin is how far behind "now" a successful sync is considered
// complete. Explorers index recent blocks with a delay, so the last few days
// are re-fetched on the next refresh instead of being trusted immediately.
const DefaultSafetyMargin = 6 * 24 * time.Hour

type Service struct {
	store        store.JobStore
	safetyMargin time.Duration
	now          func() time.Time
}

func NewService(jobStore store.JobStore, safetyMargin time.Duration) *Service {
	if safetyMargin <= 0 {
		safetyMargin = DefaultSafetyMargin
	}
	return &Service{
		store:        jobStore,
		safetyMargin: safetyMargin,
		now:          time.Now,
	}
}

// AddJob stamps defaults on a new job and persists it as pending.
func (s *Service) AddJob(ctx context.Context, job *model.Job) (*model.Job, error) {
	job.Status = model.StatusPending
	job.LastModified = s.now()
	job.Error = nil

	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// SetInProgress claims a job. It returns false, without error, when another
// worker already holds the job; callers must abort processing in that case.
func (s *Service) SetInProgress(ctx context.Context, id model.JobID) (bool, error) {
	_, err := s.store.Claim(ctx, id)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetDone records a successful sync. syncedUntil is backdated by the safety
// margin rather than set to "now": the upstream source may not have indexed
// the most recent days yet, and this value is the resume point for future
// incremental refreshes.
func (s *Service) SetDone(ctx context.Context, id model.JobID, data *model.RewardData) error {
	syncedUntil := s.now().Add(-s.safetyMargin).UnixMilli()
	return s.store.Complete(ctx, id, data, syncedUntil)
}

// SetError records a failed sync on the job itself.
func (s *Service) SetError(ctx context.Context, id model.JobID, jobErr model.JobError) error {
	return s.store.Fail(ctx, id, jobErr)
}

func (s *Service) Find(ctx context.Context, id model.JobID) (*model.Job, error) {
	return s.store.Find(ctx, id)
}

func (s *Service) FindByWallet(ctx context.Context, wallet string) ([]*model.Job, error) {
	return s.store.FindByWallet(ctx, wallet)
}

// Replace swaps an existing job for a fresh one: soft delete, insert, purge.
// The soft delete hides the old row so the identity uniqueness constraint is
// never violated while both rows exist. A failed purge leaves only an
// invisible remnant behind and is therefore logged, not fatal.
func (s *Service) Replace(ctx context.Context, old model.JobID, fresh *model.Job) (*model.Job, error) {
	if err := s.store.SoftDelete(ctx, old); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return nil, err
	}

	job, err := s.AddJob(ctx, fresh)
	if err != nil {
		return nil, err
	}

	if err := s.store.Purge(ctx, old); err != nil {
		log.Warn().Err(err).Str("wallet", old.Wallet).Str("blockchain", old.Blockchain).Msg("Failed to purge replaced job")
	}
	return job, nil
}
