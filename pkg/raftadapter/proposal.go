package raftadapter

import (
	"sync"

	"ftsdb/pkg/command"
	"ftsdb/pkg/index"
	"ftsdb/pkg/statemachine"
	"ftsdb/pkg/types"

	"github.com/google/uuid"
)

// Result is what a proposer gets back once its entry is applied.
type Result struct {
	Index      uint64             `json:"index"`
	Kind       command.Kind       `json:"kind"`
	Generation types.GenerationID `json:"generation,omitempty"`
	Merge      *index.MergeResult `json:"merge,omitempty"`
	Duplicate  bool               `json:"duplicate,omitempty"`
}

type proposeResult struct {
	Result Result
	Err    error
}

func fromApply(r statemachine.ApplyResult) proposeResult {
	return proposeResult{
		Result: Result{
			Index:      r.Index,
			Kind:       r.Kind,
			Generation: r.Generation,
			Merge:      r.Merge,
			Duplicate:  r.Duplicate,
		},
		Err: r.Err,
	}
}

// proposals routes apply results back to waiting Submit calls by envelope id.
type proposals struct {
	mu      sync.Mutex
	pending map[uuid.UUID]chan proposeResult
}

func newProposals() *proposals {
	return &proposals{pending: make(map[uuid.UUID]chan proposeResult)}
}

func (p *proposals) register(id uuid.UUID) chan proposeResult {
	ch := make(chan proposeResult, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *proposals) forget(id uuid.UUID) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// notify does not block the apply loop: a proposer that already gave up is skipped.
func (p *proposals) notify(id uuid.UUID, res proposeResult) bool {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

// failAll answers every pending proposal with err.
func (p *proposals) failAll(err error) int {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uuid.UUID]chan proposeResult)
	p.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- proposeResult{Err: err}:
		default:
		}
	}
	return len(pending)
}

func (p *proposals) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
