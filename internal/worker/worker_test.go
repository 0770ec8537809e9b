package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/polkatax/rewardsync/internal/chains"
	"github.com/polkatax/rewardsync/internal/jobs"
	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/rewards"
	"github.com/polkatax/rewardsync/internal/store/memory"
)

type stubFetcher struct {
	data *model.RewardData
	err  error

	calls    int
	gotChain string
	gotFrom  int64
}

func (f *stubFetcher) FetchStakingRewards(_ context.Context, chain chains.Chain, _, _ string, fromDate int64) (*model.RewardData, error) {
	f.calls++
	f.gotChain = chain.Name
	f.gotFrom = fromDate
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func newTestWorker(t *testing.T, fetcher *stubFetcher) (*Worker, *jobs.Service, *memory.JobStore) {
	t.Helper()

	registry, err := chains.Load()
	require.NoError(t, err)

	jobStore := memory.NewJobStore()
	service := jobs.NewService(jobStore, jobs.DefaultSafetyMargin)
	return New(service, registry, fetcher), service, jobStore
}

func insertPending(t *testing.T, jobStore *memory.JobStore, job *model.Job) {
	t.Helper()
	job.Status = model.StatusPending
	if job.LastModified.IsZero() {
		job.LastModified = time.Now()
	}
	require.NoError(t, jobStore.Insert(context.Background(), job))
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{data: &model.RewardData{
		Token:  "DOT",
		Values: []model.Reward{{Hash: "0xbbb", Amount: decimal.NewFromInt(5), Timestamp: 1700000500000}},
	}}
	w, service, jobStore := newTestWorker(t, fetcher)

	job := &model.Job{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD", SyncFromDate: 1700000000000}
	insertPending(t, jobStore, job)

	w.Process(ctx, job)

	require.Equal(t, 1, fetcher.calls)
	require.Equal(t, "polkadot", fetcher.gotChain)
	require.Equal(t, int64(1700000000000), fetcher.gotFrom)

	done, err := service.Find(ctx, job.ID())
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, done.Status)
	require.NotZero(t, done.SyncedUntil)
	require.Equal(t, "DOT", done.Data.Token)
	require.Len(t, done.Data.Values, 1)
}

func TestProcessMergesCarriedHistory(t *testing.T) {
	ctx := context.Background()

	cutoff := int64(1700000000000)
	fetcher := &stubFetcher{data: &model.RewardData{
		Token: "DOT",
		Values: []model.Reward{
			{Hash: "0xoverlap", Timestamp: cutoff + 1000},
			{Hash: "0xnew", Timestamp: cutoff + 2000},
		},
	}}
	w, service, jobStore := newTestWorker(t, fetcher)

	job := &model.Job{
		Wallet:       "wallet-1",
		Blockchain:   "polkadot",
		Currency:     "USD",
		SyncFromDate: cutoff,
		Data: &model.RewardData{
			Token: "DOT",
			Values: []model.Reward{
				{Hash: "0xsettled", Timestamp: cutoff - 1000},
				{Hash: "0xoverlap", Timestamp: cutoff + 1000},
			},
		},
	}
	insertPending(t, jobStore, job)

	w.Process(ctx, job)

	done, err := service.Find(ctx, job.ID())
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, done.Status)

	hashes := make([]string, 0, len(done.Data.Values))
	for _, reward := range done.Data.Values {
		hashes = append(hashes, reward.Hash)
	}
	require.ElementsMatch(t, []string{"0xsettled", "0xoverlap", "0xnew"}, hashes)
}

func TestProcessUnknownChain(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{}
	w, service, jobStore := newTestWorker(t, fetcher)

	job := &model.Job{Wallet: "wallet-1", Blockchain: "unknownchain", Currency: "USD"}
	insertPending(t, jobStore, job)

	w.Process(ctx, job)

	require.Zero(t, fetcher.calls, "no fetch for an unknown chain")

	failed, err := service.Find(ctx, job.ID())
	require.NoError(t, err)
	require.Equal(t, model.StatusError, failed.Status)
	require.Equal(t, 400, failed.Error.Code)
}

func TestProcessSkipsJobClaimedElsewhere(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{}
	w, service, jobStore := newTestWorker(t, fetcher)

	job := &model.Job{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD", Status: model.StatusInProgress, LastModified: time.Now()}
	require.NoError(t, jobStore.Insert(ctx, job))

	w.Process(ctx, job)

	require.Zero(t, fetcher.calls, "a lost claim must not trigger a fetch")

	unchanged, err := service.Find(ctx, job.ID())
	require.NoError(t, err)
	require.Equal(t, model.StatusInProgress, unchanged.Status)
}

func TestProcessFetchFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("status errors keep their code", func(t *testing.T) {
		fetcher := &stubFetcher{err: &rewards.StatusError{Code: 503, Message: "Service Unavailable"}}
		w, service, jobStore := newTestWorker(t, fetcher)

		job := &model.Job{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD"}
		insertPending(t, jobStore, job)

		w.Process(ctx, job)

		failed, err := service.Find(ctx, job.ID())
		require.NoError(t, err)
		require.Equal(t, model.StatusError, failed.Status)
		require.Equal(t, 503, failed.Error.Code)
	})

	t.Run("other errors map to 500", func(t *testing.T) {
		fetcher := &stubFetcher{err: errors.New("connection reset")}
		w, service, jobStore := newTestWorker(t, fetcher)

		job := &model.Job{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD"}
		insertPending(t, jobStore, job)

		w.Process(ctx, job)

		failed, err := service.Find(ctx, job.ID())
		require.NoError(t, err)
		require.Equal(t, model.StatusError, failed.Status)
		require.Equal(t, 500, failed.Error.Code)
		require.Contains(t, failed.Error.Message, "connection reset")
	})
}

func TestMergeRewards(t *testing.T) {
	cutoff := int64(1700000000000)

	t.Run("no carried history returns the fresh fetch", func(t *testing.T) {
		fresh := &model.RewardData{Token: "DOT", Values: []model.Reward{{Hash: "0xaaa"}}}
		require.Equal(t, fresh, mergeRewards(nil, fresh, cutoff))
		require.Equal(t, fresh, mergeRewards(&model.RewardData{}, fresh, cutoff))
	})

	t.Run("settled entries kept, tail replaced, overlap deduplicated", func(t *testing.T) {
		carried := &model.RewardData{
			Token:       "DOT",
			PriceEndDay: decimal.NewFromInt(4),
			Values: []model.Reward{
				{Hash: "0xsettled", Timestamp: cutoff - 10},
				{Hash: "0xstale", Timestamp: cutoff + 10}, // inside the re-fetched window, dropped
			},
		}
		fresh := &model.RewardData{
			Token:       "DOT",
			PriceEndDay: decimal.NewFromInt(5),
			Values: []model.Reward{
				{Hash: "0xoverlap", Timestamp: cutoff + 20},
			},
		}

		merged := mergeRewards(carried, fresh, cutoff)
		require.Equal(t, "DOT", merged.Token)
		require.True(t, decimal.NewFromInt(5).Equal(merged.PriceEndDay), "fresh end-of-day price wins")
		require.Len(t, merged.Values, 2)
		require.Equal(t, "0xsettled", merged.Values[0].Hash)
		require.Equal(t, "0xoverlap", merged.Values[1].Hash)
	})

	t.Run("duplicate hashes from the overlap appear once", func(t *testing.T) {
		carried := &model.RewardData{Values: []model.Reward{{Hash: "0xdup", Timestamp: cutoff - 10}}}
		fresh := &model.RewardData{Values: []model.Reward{{Hash: "0xdup", Timestamp: cutoff - 10}}}

		merged := mergeRewards(carried, fresh, cutoff)
		require.Len(t, merged.Values, 1)
	})
}
