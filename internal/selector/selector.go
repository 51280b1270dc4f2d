// Package selector implements the Load Balancer (C4): choosing which
// upstream instance a new task should be routed to.
package selector

import (
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/basket/drawproxy/internal/task"
)

// defaultIdleBias is applied to coreSize in the BestWaitIdle score when
// the caller does not override it.
const defaultIdleBias = 1.0

// Candidate is the view of one upstream instance the selector needs.
// internal/instance.Instance satisfies this.
type Candidate interface {
	ChannelID() string
	Account() *task.Account
	AcceptsNewTask() bool
	Queued(mode task.Mode) int
	Running() int
}

// Requirements narrows the candidate set for one selection.
type Requirements struct {
	IsNewTask bool
	BotFamily task.BotFamily

	CapabilityBlend    bool
	CapabilityDescribe bool
	CapabilityShorten  bool

	PreferredMode task.Mode

	IsDomain  bool
	DomainIDs []string

	Whitelist []string // instance ids; empty means no restriction

	RequireBackendFamily task.BackendFamily // empty means any
}

// Selector applies the configured account-choose-rule over a candidate
// set. It is safe for concurrent use.
type Selector struct {
	rule     task.ChooseRule
	idleBias float64

	pollCounter atomic.Uint64
}

// New constructs a Selector using rule. idleBias<=0 defaults to 1.0.
func New(rule task.ChooseRule, idleBias float64) *Selector {
	if idleBias <= 0 {
		idleBias = defaultIdleBias
	}
	return &Selector{rule: rule, idleBias: idleBias}
}

// SetRule changes the active account-choose-rule, e.g. on config
// hot-reload.
func (s *Selector) SetRule(rule task.ChooseRule) {
	s.rule = rule
}

// Choose returns the instance to route a new task to, or nil if no
// candidate survives filtering.
func (s *Selector) Choose(candidates []Candidate, req Requirements) Candidate {
	survivors := s.filter(candidates, req)
	if len(survivors) == 0 {
		return nil
	}

	if req.IsDomain && len(req.DomainIDs) > 0 {
		domainSurvivors := filterDomain(survivors, req.DomainIDs)
		if len(domainSurvivors) > 0 {
			survivors = domainSurvivors
		}
		// If empty, the caller (orchestrator) retries with IsDomain=false.
		// The selector itself never silently drops the domain preference.
	}

	switch s.rule {
	case task.ChooseRandom:
		return survivors[rand.IntN(len(survivors))]
	case task.ChooseWeight:
		return chooseWeighted(survivors)
	case task.ChoosePolling:
		idx := s.pollCounter.Add(1) - 1
		return survivors[int(idx%uint64(len(survivors)))]
	default: // ChooseBestWaitIdle
		return s.chooseBestWaitIdle(survivors, req.PreferredMode)
	}
}

func (s *Selector) filter(candidates []Candidate, req Requirements) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if req.IsNewTask && !c.AcceptsNewTask() {
			continue
		}
		a := c.Account()
		if req.BotFamily != "" && !a.SupportsBotFamily(req.BotFamily) {
			continue
		}
		if req.CapabilityBlend && !a.CapabilityBlend {
			continue
		}
		if req.CapabilityDescribe && !a.CapabilityDescribe {
			continue
		}
		if req.CapabilityShorten && !a.CapabilityShorten {
			continue
		}
		if len(req.Whitelist) > 0 && !contains(req.Whitelist, c.ChannelID()) {
			continue
		}
		if req.RequireBackendFamily != "" && a.BackendFamily != req.RequireBackendFamily {
			continue
		}
		out = append(out, c)
	}
	return out
}

func filterDomain(candidates []Candidate, domainIDs []string) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Account().HasDomain(domainIDs) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Selector) chooseBestWaitIdle(candidates []Candidate, mode task.Mode) Candidate {
	type scored struct {
		c     Candidate
		score float64
	}
	scores := make([]scored, len(candidates))
	for i, c := range candidates {
		a := c.Account()
		load := float64(c.Queued(mode) + c.Running())
		score := load - float64(a.CoreSize)*s.idleBias
		scores[i] = scored{c: c, score: score}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score < scores[j].score
		}
		ai, aj := scores[i].c.Account(), scores[j].c.Account()
		if ai.Weight != aj.Weight {
			return ai.Weight > aj.Weight // tie-break by -weight: higher weight wins
		}
		return ai.Sort < aj.Sort
	})
	return scores[0].c
}

func chooseWeighted(candidates []Candidate) Candidate {
	total := 0
	for _, c := range candidates {
		w := c.Account().Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[rand.IntN(len(candidates))]
	}
	pick := rand.IntN(total)
	cursor := 0
	for _, c := range candidates {
		w := c.Account().Weight
		if w <= 0 {
			w = 1
		}
		cursor += w
		if pick < cursor {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
