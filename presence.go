package chatsync

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// presenceTracker is the set of counterpart identities currently online.
// It is fed only by user_online and user_offline events.
type presenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{online: make(map[string]struct{})}
}

// SetOnline reports whether the identity was previously offline.
func (p *presenceTracker) SetOnline(identity string) bool {
	if identity == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[identity]; ok {
		return false
	}
	p.online[identity] = struct{}{}
	return true
}

// SetOffline reports whether the identity was previously online.
func (p *presenceTracker) SetOffline(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[identity]; !ok {
		return false
	}
	delete(p.online, identity)
	return true
}

func (p *presenceTracker) IsOnline(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[identity]
	return ok
}

// Online returns the online identities, sorted.
func (p *presenceTracker) Online() []string {
	p.mu.RLock()
	ids := lo.Keys(p.online)
	p.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Reset forgets everyone. Presence is not known while disconnected.
func (p *presenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.online)
}
