package gateway

import (
	"errors"
	"sync"
)

// ErrTooManyWallets is returned when a socket tries to subscribe to more
// distinct wallets than allowed. Mapped to a 429 protocol error.
var ErrTooManyWallets = errors.New("too many wallets subscribed on this connection")

// DefaultMaxWalletsPerSocket caps the distinct wallets one connection may
// watch. Repeat requests for an already-subscribed wallet never count.
const DefaultMaxWalletsPerSocket = 4

type subscriptionKey struct {
	wallet   string
	currency string
}

// Registry tracks which live sockets are interested in which (wallet,
// currency) pairs. Subscriptions are ephemeral: they exist only as long as
// the owning socket connection.
type Registry struct {
	maxWallets int

	mu   sync.RWMutex
	subs map[*session]map[subscriptionKey]struct{}
}

func NewRegistry(maxWallets int) *Registry {
	if maxWallets <= 0 {
		maxWallets = DefaultMaxWalletsPerSocket
	}
	return &Registry{
		maxWallets: maxWallets,
		subs:       make(map[*session]map[subscriptionKey]struct{}),
	}
}

func (r *Registry) Register(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s] = make(map[subscriptionKey]struct{})
}

// Drop removes the socket and all subscriptions it owns.
func (r *Registry) Drop(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, s)
}

// Subscribe registers interest in (wallet, currency) for the socket,
// deduplicating repeats. Returns ErrTooManyWallets when adding a new distinct
// wallet would exceed the cap; an already-subscribed wallet never throttles.
func (r *Registry) Subscribe(s *session, wallet, currency string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, ok := r.subs[s]
	if !ok {
		keys = make(map[subscriptionKey]struct{})
		r.subs[s] = keys
	}

	walletKnown := false
	distinctWallets := make(map[string]struct{}, len(keys))
	for key := range keys {
		distinctWallets[key.wallet] = struct{}{}
		if key.wallet == wallet {
			walletKnown = true
		}
	}
	if !walletKnown && len(distinctWallets) >= r.maxWallets {
		return ErrTooManyWallets
	}

	keys[subscriptionKey{wallet: wallet, currency: currency}] = struct{}{}
	return nil
}

func (r *Registry) Unsubscribe(s *session, wallet, currency string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if keys, ok := r.subs[s]; ok {
		delete(keys, subscriptionKey{wallet: wallet, currency: currency})
	}
}

// Match returns every live socket subscribed to (wallet, currency). Several
// sockets may match the same pair (e.g. two browser tabs); each gets its own
// push.
func (r *Registry) Match(wallet, currency string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := subscriptionKey{wallet: wallet, currency: currency}
	var out []*session
	for s, keys := range r.subs {
		if _, ok := keys[key]; ok {
			out = append(out, s)
		}
	}
	return out
}
