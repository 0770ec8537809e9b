package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store/memory"
)

func TestPendingViewTracksStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobStore := memory.NewJobStore()
	service := NewService(jobStore, DefaultSafetyMargin)
	view := NewPendingView(jobStore)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = view.Run(ctx)
	}()

	job, err := service.AddJob(ctx, &model.Job{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(view.Snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, "wallet-1", view.Snapshot()[0].Wallet)

	// Claiming empties the pending set again.
	claimed, err := service.SetInProgress(ctx, job.ID())
	require.NoError(t, err)
	require.True(t, claimed)

	require.Eventually(t, func() bool {
		return len(view.Snapshot()) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("view loop did not stop on cancellation")
	}
}

func TestPendingViewSignalsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobStore := memory.NewJobStore()
	service := NewService(jobStore, DefaultSafetyMargin)
	view := NewPendingView(jobStore)

	go func() { _ = view.Run(ctx) }()

	_, err := service.AddJob(ctx, &model.Job{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD"})
	require.NoError(t, err)

	select {
	case <-view.Changed():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for view change signal")
	}
}
