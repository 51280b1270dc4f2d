package instance

import (
	"sync"

	"github.com/basket/drawproxy/internal/selector"
	"github.com/basket/drawproxy/internal/task"
)

// Pool holds one Instance per live account, keyed by channel id.
type Pool struct {
	mu   sync.RWMutex
	byID map[string]*Instance
}

// NewPool constructs an empty Pool.
func NewPool() *Pool {
	return &Pool{byID: make(map[string]*Instance)}
}

// Put registers or replaces the instance for its channel id.
func (p *Pool) Put(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[inst.ChannelID()] = inst
}

// Remove drops the instance for channelID, if present.
func (p *Pool) Remove(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, channelID)
}

// ByChannel returns the instance registered for channelID.
func (p *Pool) ByChannel(channelID string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.byID[channelID]
	return inst, ok
}

// Candidates returns every registered instance as a selector.Candidate,
// for use in Selector.Choose.
func (p *Pool) Candidates() []selector.Candidate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]selector.Candidate, 0, len(p.byID))
	for _, inst := range p.byID {
		out = append(out, inst)
	}
	return out
}

// All returns every registered instance.
func (p *Pool) All() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Instance, 0, len(p.byID))
	for _, inst := range p.byID {
		out = append(out, inst)
	}
	return out
}

// ByTask returns the instance the account allowlist in filter would
// resolve to, used by the orchestrator when a follow-up task pins an
// explicit instance id.
func (p *Pool) ByTask(t *task.Task) (*Instance, bool) {
	if t.InstanceID == "" {
		return nil, false
	}
	return p.ByChannel(t.InstanceID)
}
