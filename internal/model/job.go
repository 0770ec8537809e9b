package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus tracks a sync job through its lifecycle. Transitions only move
// forward (pending -> in_progress -> done/error); a job never returns to
// pending in place. Re-running a finished or failed job means deleting the
// row and inserting a fresh one.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusDone       JobStatus = "done"
	StatusError      JobStatus = "error"
)

// JobID is the natural key of a job: one job per wallet/blockchain/currency
// triple. It is the addressing unit for claims and change notifications so the
// (potentially large) reward payload never travels with a signal.
type JobID struct {
	Wallet     string `json:"wallet"`
	Blockchain string `json:"blockchain"`
	Currency   string `json:"currency"`
}

// JobError records why a job failed. Code follows HTTP status semantics so
// clients can render upstream failures directly.
type JobError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// Reward is a single staking reward event.
type Reward struct {
	Hash      string          `json:"hash"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Price     decimal.Decimal `json:"price"`     // fiat price of the token at the reward date
}

// RewardData is the opaque result payload of a completed sync. It may be
// carried onto a replacement job during an incremental refresh, in which case
// it holds data from the previous run until the worker merges in the new tail.
type RewardData struct {
	Values      []Reward        `json:"values"`
	Token       string          `json:"token"`
	PriceEndDay decimal.Decimal `json:"priceEndDay"`
}

// Job is one unit of sync work: fetch staking rewards for a wallet on one
// chain, converted to one fiat currency, from SyncFromDate onward.
type Job struct {
	Wallet     string `json:"wallet"`
	Blockchain string `json:"blockchain"`
	Currency   string `json:"currency"`

	Status       JobStatus `json:"status"`
	RequestID    string    `json:"reqId"`
	LastModified time.Time `json:"lastModified"`

	// SyncFromDate is the lower bound (unix millis) of the window to fetch.
	SyncFromDate int64 `json:"syncFromDate"`
	// SyncedUntil is the upper bound (unix millis) up to which data is
	// known-complete. Only set on success.
	SyncedUntil int64 `json:"syncedUntil,omitempty"`

	Data  *RewardData `json:"data,omitempty"`
	Error *JobError   `json:"error,omitempty"`

	// Deleted marks a row hidden while it is being replaced. Soft-deleted
	// rows are invisible to all read paths and purged shortly after.
	Deleted bool `json:"-"`
}

func (j *Job) ID() JobID {
	return JobID{Wallet: j.Wallet, Blockchain: j.Blockchain, Currency: j.Currency}
}

// Clone returns a deep copy so store internals are never aliased by callers.
func (j *Job) Clone() *Job {
	out := *j
	if j.Data != nil {
		data := *j.Data
		data.Values = append([]Reward(nil), j.Data.Values...)
		out.Data = &data
	}
	if j.Error != nil {
		jobErr := *j.Error
		out.Error = &jobErr
	}
	return &out
}
