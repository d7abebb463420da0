package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"
)

const (
	PeersEndpoint = "/api/cluster/peers"
	maxLeaderHops = 3
)

type JoinRequest struct {
	ID      uint64 `json:"id" validate:"required"`
	Address string `json:"address" validate:"required,url"`
}

// ErrorResponse is the error body of the gateway. Leader is set on 503
// answers from followers.
type ErrorResponse struct {
	Error    string `json:"error"`
	Leader   string `json:"leader,omitempty"`
	LeaderID uint64 `json:"leader_id,omitempty"`
}

// SeedSet holds the addresses a joining node may contact. Configured seeds
// come first; discovered ones are replaced on every Update.
type SeedSet struct {
	self   uint64
	static []string

	mu         sync.RWMutex
	discovered []string
}

func NewSeedSet(self uint64, static []string) *SeedSet {
	return &SeedSet{self: self, static: slices.Clone(static)}
}

// Update replaces the discovered seeds with the registered nodes other than self.
func (s *SeedSet) Update(nodes map[uint64]string) {
	seeds := seedsFrom(nodes, s.self)
	s.mu.Lock()
	s.discovered = seeds
	s.mu.Unlock()
}

func (s *SeedSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.static)+len(s.discovered))
	for _, seed := range append(slices.Clone(s.static), s.discovered...) {
		if !slices.Contains(out, seed) {
			out = append(out, seed)
		}
	}
	return out
}

// Joiner asks a running cluster to add this node.
type Joiner struct {
	client        *http.Client
	retryInterval time.Duration
}

func NewJoiner(timeout, retryInterval time.Duration) *Joiner {
	return &Joiner{
		client:        &http.Client{Timeout: timeout},
		retryInterval: retryInterval,
	}
}

// Join tries the seeds in order, following leader hints, until one of them
// accepts the request or ctx is done.
func (j *Joiner) Join(ctx context.Context, seeds []string, req JoinRequest) error {
	if len(seeds) == 0 {
		return fmt.Errorf("join cluster: no seeds")
	}
	return j.JoinFrom(ctx, NewSeedSet(req.ID, seeds), req)
}

// JoinFrom is Join over a seed set that may grow while it retries. An empty
// set is not an error; discovery may still fill it.
func (j *Joiner) JoinFrom(ctx context.Context, seeds *SeedSet, req JoinRequest) error {
	for attempt := 1; ; attempt++ {
		list := seeds.List()
		if len(list) == 0 {
			slog.Debug("no seeds known yet", "attempt", attempt)
		}
		for _, seed := range list {
			target := seed
			for hop := 0; hop < maxLeaderHops && target != ""; hop++ {
				leader, err := j.post(ctx, target, req)
				if err == nil {
					slog.Info("joined cluster", "via", target, "id", req.ID)
					return nil
				}
				slog.Debug("join attempt failed",
					"attempt", attempt,
					"target", target,
					"error", err)
				if leader == "" || leader == target {
					break
				}
				target = leader
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("join cluster: %w", ctx.Err())
		case <-time.After(j.retryInterval):
		}
	}
}

func (j *Joiner) post(ctx context.Context, target string, jr JoinRequest) (string, error) {
	body, err := json.Marshal(jr)
	if err != nil {
		return "", fmt.Errorf("marshal join request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+PeersEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", nil
	}

	var er ErrorResponse
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &er); err != nil {
		er.Error = string(raw)
	}
	return er.Leader, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, er.Error)
}
