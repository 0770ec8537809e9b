package store

import (
	"context"
	"errors"
	"time"

	"github.com/polkatax/rewardsync/internal/model"
)

// Sentinel errors for common error conditions
var (
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyClaimed is returned by Claim when another worker holds the
	// job. Callers must skip the job without treating this as a failure.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrJobExists is returned by Insert when a live row for the identity
	// triple already exists. Rows are replaced via soft delete plus insert,
	// never overwritten in place.
	ErrJobExists = errors.New("job already exists")
)

// JobStore is the durable job table shared by every server process, plus the
// change-notification bridge that makes cross-process coordination possible
// without any direct process-to-process communication.
//
// Both subscription streams are invalidation signals, not payload carriers: a
// consumer that receives one must re-query the store for current truth. The
// same underlying channel is shared by every process attached to the store.
type JobStore interface {
	// Insert creates a pending row and signals that the pending set changed.
	Insert(ctx context.Context, job *model.Job) error

	Find(ctx context.Context, id model.JobID) (*model.Job, error)
	FindByWallet(ctx context.Context, wallet string) ([]*model.Job, error)
	ListPending(ctx context.Context) ([]*model.Job, error)

	// Claim atomically transitions a job to in_progress unless it already
	// is. Returns ErrAlreadyClaimed when another worker got there first.
	// This conditional update is the sole concurrency-control primitive
	// protecting against double processing across server processes.
	Claim(ctx context.Context, id model.JobID) (*model.Job, error)

	// Complete marks a job done, storing the result and the timestamp up to
	// which data is known-complete. Clears any previous error.
	Complete(ctx context.Context, id model.JobID, data *model.RewardData, syncedUntil int64) error

	// Fail marks a job failed with the given error.
	Fail(ctx context.Context, id model.JobID, jobErr model.JobError) error

	// SoftDelete hides the live row for the triple so a replacement can be
	// inserted. Signals both streams.
	SoftDelete(ctx context.Context, id model.JobID) error

	// Purge hard-deletes soft-deleted remnants for the triple.
	Purge(ctx context.Context, id model.JobID) error

	// ResetStuck replaces in_progress jobs whose lastModified is older than
	// olderThan with fresh pending rows carrying the same window and data.
	// Safe to run at any time because Claim never touches in_progress rows.
	ResetStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// SubscribeJobChanged delivers the identity of every job whose row
	// changed, across all processes. The returned func unsubscribes.
	SubscribeJobChanged() (<-chan model.JobID, func())

	// SubscribePendingChanged delivers a bare signal whenever the pending
	// set may have changed (insert, claim, delete).
	SubscribePendingChanged() (<-chan struct{}, func())

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error
}
