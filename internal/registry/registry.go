// Package registry implements the Account Registry (C2): the in-memory
// view of every upstream account the core knows about, refreshed from
// the Task Store and kept alongside a derived sub-channel index.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

const subChannelIndexTTL = 30 * time.Minute

// Registry holds the current set of accounts and a derived
// sub-channel -> owning-channel index, rebuilt lazily.
type Registry struct {
	store *store.Store

	mu       sync.RWMutex
	accounts map[string]*task.Account // keyed by ChannelID

	subIndexMu      sync.Mutex
	subIndex        map[string]string // sub-channel id -> owning channel id
	subIndexBuiltAt time.Time
}

// New constructs a Registry backed by s. Call Refresh before first use.
func New(s *store.Store) *Registry {
	return &Registry{store: s, accounts: make(map[string]*task.Account)}
}

// Refresh reloads every account from the store and invalidates the
// derived sub-channel index.
func (r *Registry) Refresh(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]*task.Account, len(accounts))
	for _, a := range accounts {
		next[a.ChannelID] = a
	}

	r.mu.Lock()
	r.accounts = next
	r.mu.Unlock()

	r.invalidateSubIndex()
	return nil
}

// Put registers or replaces one account in the in-memory view and
// invalidates the derived sub-channel index. It does not persist a.
func (r *Registry) Put(a *task.Account) {
	r.mu.Lock()
	r.accounts[a.ChannelID] = a
	r.mu.Unlock()
	r.invalidateSubIndex()
}

// Remove drops an account from the in-memory view.
func (r *Registry) Remove(channelID string) {
	r.mu.Lock()
	delete(r.accounts, channelID)
	r.mu.Unlock()
	r.invalidateSubIndex()
}

// All returns every known account, in no particular order.
func (r *Registry) All() []*task.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out
}

// Alive returns every account currently able to accept work
// (enabled, connected, not sleeping).
func (r *Registry) Alive() []*task.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		if a.Alive() {
			out = append(out, a)
		}
	}
	return out
}

// ByChannel returns the account owning channelID, if any.
func (r *Registry) ByChannel(channelID string) (*task.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[channelID]
	return a, ok
}

// BySubChannel resolves a forwarding sub-channel id to its owning
// account, rebuilding the derived index if it has expired.
func (r *Registry) BySubChannel(subChannelID string) (*task.Account, bool) {
	channelID, ok := r.lookupSubIndex(subChannelID)
	if !ok {
		return nil, false
	}
	return r.ByChannel(channelID)
}

func (r *Registry) lookupSubIndex(subChannelID string) (string, bool) {
	r.subIndexMu.Lock()
	defer r.subIndexMu.Unlock()

	if r.subIndex == nil || time.Since(r.subIndexBuiltAt) > subChannelIndexTTL {
		r.rebuildSubIndexLocked()
	}
	channelID, ok := r.subIndex[subChannelID]
	return channelID, ok
}

func (r *Registry) rebuildSubIndexLocked() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := make(map[string]string)
	for _, a := range r.accounts {
		for _, sub := range a.SubChannels {
			idx[sub] = a.ChannelID
		}
	}
	r.subIndex = idx
	r.subIndexBuiltAt = time.Now()
}

func (r *Registry) invalidateSubIndex() {
	r.subIndexMu.Lock()
	r.subIndex = nil
	r.subIndexMu.Unlock()
}
