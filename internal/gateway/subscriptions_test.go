package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribeThrottlesDistinctWallets(t *testing.T) {
	r := NewRegistry(2)
	sess := &session{}
	r.Register(sess)

	require.NoError(t, r.Subscribe(sess, "wallet-a", "USD"))
	require.NoError(t, r.Subscribe(sess, "wallet-b", "USD"))

	// A third distinct wallet exceeds the cap.
	require.ErrorIs(t, r.Subscribe(sess, "wallet-c", "USD"), ErrTooManyWallets)

	// Known wallets never throttle, even with a different currency.
	require.NoError(t, r.Subscribe(sess, "wallet-a", "USD"))
	require.NoError(t, r.Subscribe(sess, "wallet-a", "EUR"))
}

func TestSubscribeCapIsPerSocket(t *testing.T) {
	r := NewRegistry(1)
	one := &session{}
	two := &session{}
	r.Register(one)
	r.Register(two)

	require.NoError(t, r.Subscribe(one, "wallet-a", "USD"))
	require.NoError(t, r.Subscribe(two, "wallet-b", "USD"))
	require.ErrorIs(t, r.Subscribe(one, "wallet-b", "USD"), ErrTooManyWallets)
}

func TestMatch(t *testing.T) {
	r := NewRegistry(DefaultMaxWalletsPerSocket)
	one := &session{}
	two := &session{}
	other := &session{}
	r.Register(one)
	r.Register(two)
	r.Register(other)

	require.NoError(t, r.Subscribe(one, "wallet-a", "USD"))
	require.NoError(t, r.Subscribe(two, "wallet-a", "USD"))
	require.NoError(t, r.Subscribe(other, "wallet-a", "EUR"))

	matched := r.Match("wallet-a", "USD")
	require.Len(t, matched, 2)

	// Sessions are zero-value structs here, so compare by identity.
	seen := make(map[*session]bool, len(matched))
	for _, s := range matched {
		seen[s] = true
	}
	require.True(t, seen[one])
	require.True(t, seen[two])
	require.False(t, seen[other], "currency is part of the subscription key")

	require.Empty(t, r.Match("wallet-b", "USD"))
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry(DefaultMaxWalletsPerSocket)
	sess := &session{}
	r.Register(sess)

	require.NoError(t, r.Subscribe(sess, "wallet-a", "USD"))
	r.Unsubscribe(sess, "wallet-a", "USD")
	require.Empty(t, r.Match("wallet-a", "USD"))

	// Unsubscribing something never subscribed is a no-op.
	r.Unsubscribe(sess, "wallet-z", "USD")
}

func TestDropRemovesAllSubscriptions(t *testing.T) {
	r := NewRegistry(DefaultMaxWalletsPerSocket)
	sess := &session{}
	r.Register(sess)

	require.NoError(t, r.Subscribe(sess, "wallet-a", "USD"))
	require.NoError(t, r.Subscribe(sess, "wallet-b", "USD"))

	r.Drop(sess)
	require.Empty(t, r.Match("wallet-a", "USD"))
	require.Empty(t, r.Match("wallet-b", "USD"))
}
