package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polkatax/rewardsync/internal/model"
)

func TestNotifierJobChanged(t *testing.T) {
	n := NewNotifier()
	id := model.JobID{Wallet: "wallet-1", Blockchain: "polkadot", Currency: "USD"}

	t.Run("delivers to every subscriber", func(t *testing.T) {
		a, cancelA := n.SubscribeJobChanged()
		defer cancelA()
		b, cancelB := n.SubscribeJobChanged()
		defer cancelB()

		n.NotifyJobChanged(id)

		require.Equal(t, id, <-a)
		require.Equal(t, id, <-b)
	})

	t.Run("unsubscribed channels receive nothing further", func(t *testing.T) {
		ch, cancel := n.SubscribeJobChanged()
		cancel()
		cancel() // idempotent

		n.NotifyJobChanged(id)

		_, ok := <-ch
		require.False(t, ok)
	})

	t.Run("full channel drops instead of blocking", func(t *testing.T) {
		_, cancel := n.SubscribeJobChanged()
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range jobChangedBuffer + 10 {
				n.NotifyJobChanged(id)
			}
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("notify blocked on a slow subscriber")
		}
	})
}

func TestNotifierPendingChanged(t *testing.T) {
	n := NewNotifier()

	ch, cancel := n.SubscribePendingChanged()
	defer cancel()

	// Rapid signals coalesce into at most one queued entry.
	n.NotifyPendingChanged()
	n.NotifyPendingChanged()
	n.NotifyPendingChanged()

	<-ch
	select {
	case <-ch:
		t.Fatal("expected signals to coalesce")
	default:
	}
}

func TestNotifierClose(t *testing.T) {
	n := NewNotifier()

	jobCh, _ := n.SubscribeJobChanged()
	pendingCh, _ := n.SubscribePendingChanged()

	n.Close()

	_, ok := <-jobCh
	require.False(t, ok)
	_, ok = <-pendingCh
	require.False(t, ok)
}
