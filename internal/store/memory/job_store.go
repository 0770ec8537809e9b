// Package memory provides an in-memory JobStore with the same semantics as
// the postgres store. It backs unit tests and single-process development runs;
// it cannot coordinate multiple server processes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store"
)

type JobStore struct {
	mu       sync.RWMutex
	live     map[model.JobID]*model.Job
	trash    map[model.JobID]*model.Job
	notifier *store.Notifier
	now      func() time.Time
}

var _ store.JobStore = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{
		live:     make(map[model.JobID]*model.Job),
		trash:    make(map[model.JobID]*model.Job),
		notifier: store.NewNotifier(),
		now:      time.Now,
	}
}

func (s *JobStore) Start(_ context.Context) error { return nil }

func (s *JobStore) Stop() error {
	s.notifier.Close()
	return nil
}

func (s *JobStore) Insert(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	if _, ok := s.live[job.ID()]; ok {
		s.mu.Unlock()
		return store.ErrJobExists
	}
	s.live[job.ID()] = job.Clone()
	s.mu.Unlock()

	s.notifier.NotifyPendingChanged()
	return nil
}

func (s *JobStore) Find(_ context.Context, id model.JobID) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.live[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *JobStore) FindByWallet(_ context.Context, wallet string) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Job
	for _, job := range s.live {
		if job.Wallet == wallet {
			out = append(out, job.Clone())
		}
	}
	sortByLastModified(out)
	return out, nil
}

func (s *JobStore) ListPending(_ context.Context) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Job
	for _, job := range s.live {
		if job.Status == model.StatusPending {
			out = append(out, job.Clone())
		}
	}
	sortByLastModified(out)
	return out, nil
}

func (s *JobStore) Claim(_ context.Context, id model.JobID) (*model.Job, error) {
	s.mu.Lock()
	job, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrJobNotFound
	}
	if job.Status == model.StatusInProgress {
		s.mu.Unlock()
		return nil, store.ErrAlreadyClaimed
	}
	job.Status = model.StatusInProgress
	job.LastModified = s.now()
	claimed := job.Clone()
	s.mu.Unlock()

	s.notifier.NotifyJobChanged(id)
	s.notifier.NotifyPendingChanged()
	return claimed, nil
}

func (s *JobStore) Complete(_ context.Context, id model.JobID, data *model.RewardData, syncedUntil int64) error {
	s.mu.Lock()
	job, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrJobNotFound
	}
	job.Status = model.StatusDone
	job.Data = data
	job.SyncedUntil = syncedUntil
	job.Error = nil
	job.LastModified = s.now()
	s.mu.Unlock()

	s.notifier.NotifyJobChanged(id)
	return nil
}

func (s *JobStore) Fail(_ context.Context, id model.JobID, jobErr model.JobError) error {
	s.mu.Lock()
	job, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrJobNotFound
	}
	job.Status = model.StatusError
	job.Error = &jobErr
	job.LastModified = s.now()
	s.mu.Unlock()

	s.notifier.NotifyJobChanged(id)
	return nil
}

func (s *JobStore) SoftDelete(_ context.Context, id model.JobID) error {
	s.mu.Lock()
	job, ok := s.live[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrJobNotFound
	}
	job.Deleted = true
	delete(s.live, id)
	s.trash[id] = job
	s.mu.Unlock()

	s.notifier.NotifyJobChanged(id)
	s.notifier.NotifyPendingChanged()
	return nil
}

func (s *JobStore) Purge(_ context.Context, id model.JobID) error {
	s.mu.Lock()
	delete(s.trash, id)
	s.mu.Unlock()
	return nil
}

func (s *JobStore) ResetStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)

	s.mu.RLock()
	var stuck []*model.Job
	for _, job := range s.live {
		if job.Status == model.StatusInProgress && job.LastModified.Before(cutoff) {
			stuck = append(stuck, job.Clone())
		}
	}
	s.mu.RUnlock()

	for _, job := range stuck {
		id := job.ID()
		if err := s.SoftDelete(ctx, id); err != nil {
			log.Warn().Err(err).Str("wallet", id.Wallet).Msg("Failed to soft delete stuck job")
			continue
		}
		fresh := job.Clone()
		fresh.Status = model.StatusPending
		fresh.LastModified = s.now()
		fresh.Error = nil
		fresh.Deleted = false
		if err := s.Insert(ctx, fresh); err != nil {
			return 0, err
		}
		if err := s.Purge(ctx, id); err != nil {
			log.Warn().Err(err).Str("wallet", id.Wallet).Msg("Failed to purge stuck job remnant")
		}
	}
	return len(stuck), nil
}

func (s *JobStore) SubscribeJobChanged() (<-chan model.JobID, func()) {
	return s.notifier.SubscribeJobChanged()
}

func (s *JobStore) SubscribePendingChanged() (<-chan struct{}, func()) {
	return s.notifier.SubscribePendingChanged()
}

func sortByLastModified(jobs []*model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].LastModified.Before(jobs[j].LastModified)
	})
}
