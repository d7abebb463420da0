// Package scheduler runs the node's recurring background jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindMergeSweep Kind = "merge-sweep"
	KindSnapshot   Kind = "snapshot"
	KindMetrics    Kind = "metrics"
	KindProbe      Kind = "probe"
)

// Job is a recurring task. Jobs are built from config at startup and never persisted.
type Job struct {
	ID        string
	Kind      Kind
	Interval  time.Duration
	NextRunAt time.Time
	Run       func(ctx context.Context) error
}

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

type Health struct {
	Status HealthStatus `json:"status"`
	// Failing lists jobs at or above the failure threshold.
	Failing []string `json:"failing,omitempty"`
}

type JobStatus struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	Interval            string    `json:"interval"`
	Running             bool      `json:"running"`
	Runs                uint64    `json:"runs"`
	Skipped             uint64    `json:"skipped"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastRun             time.Time `json:"last_run,omitempty"`
	NextRunAt           time.Time `json:"next_run_at"`
}

type jobState struct {
	job     Job
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastRun   time.Time
	nextRunAt time.Time
}

// Scheduler runs every job on its own interval. A job whose previous run
// has not finished is skipped, not queued; different jobs run concurrently.
type Scheduler struct {
	failureThreshold int

	mu      sync.RWMutex
	jobs    map[string]*jobState
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(failureThreshold int) *Scheduler {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &Scheduler{
		failureThreshold: failureThreshold,
		jobs:             make(map[string]*jobState),
		cancel:           func() {},
	}
}

// Add registers a job. Jobs cannot be added after Start.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" || job.Run == nil {
		return fmt.Errorf("scheduler: job needs an id and a run func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler: job %s: interval must be positive", job.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler: job %s added after start", job.ID)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("scheduler: duplicate job %s", job.ID)
	}
	s.jobs[job.ID] = &jobState{job: job}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, js := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, js)
	}
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	defer s.wg.Done()

	first := js.job.Interval
	if !js.job.NextRunAt.IsZero() {
		first = max(time.Until(js.job.NextRunAt), 0)
	}
	js.setNext(time.Now().Add(first))

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.trigger(ctx, js)
			timer.Reset(js.job.Interval)
			js.setNext(time.Now().Add(js.job.Interval))
		}
	}
}

// trigger starts a run unless the previous one is still going.
func (s *Scheduler) trigger(ctx context.Context, js *jobState) bool {
	if !js.running.CompareAndSwap(false, true) {
		js.skipped.Add(1)
		slog.Debug("job still running, skipped", "job", js.job.ID)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer js.running.Store(false)
		s.run(ctx, js)
	}()
	return true
}

func (s *Scheduler) run(ctx context.Context, js *jobState) {
	started := time.Now()
	err := safeRun(ctx, js.job.Run)
	js.runs.Add(1)

	js.mu.Lock()
	defer js.mu.Unlock()

	js.lastRun = started
	js.lastErr = err
	if err == nil {
		if js.failures >= s.failureThreshold {
			slog.Info("job recovered", "job", js.job.ID)
		}
		js.failures = 0
		return
	}

	js.failures++
	if js.failures == s.failureThreshold {
		slog.Error("job keeps failing, node degraded",
			"job", js.job.ID,
			"failures", js.failures,
			"error", err)
		return
	}
	slog.Warn("job failed",
		"job", js.job.ID,
		"failures", js.failures,
		"error", err)
}

// safeRun keeps a panicking job from taking the node down.
func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (js *jobState) setNext(t time.Time) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.nextRunAt = t
}

// RunNow triggers a job outside its schedule. It reports false if the job
// is unknown or already running.
func (s *Scheduler) RunNow(ctx context.Context, id string) bool {
	s.mu.RLock()
	js, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.trigger(ctx, js)
}

// Health is degraded while any job has failed FailureThreshold times in a row.
func (s *Scheduler) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{Status: HealthOK}
	for id, js := range s.jobs {
		js.mu.Lock()
		failing := js.failures >= s.failureThreshold
		js.mu.Unlock()
		if failing {
			h.Failing = append(h.Failing, id)
		}
	}
	if len(h.Failing) > 0 {
		h.Status = HealthDegraded
		sort.Strings(h.Failing)
	}
	return h
}

func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, js := range s.jobs {
		js.mu.Lock()
		st := JobStatus{
			ID:                  js.job.ID,
			Kind:                js.job.Kind,
			Interval:            js.job.Interval.String(),
			Running:             js.running.Load(),
			Runs:                js.runs.Load(),
			Skipped:             js.skipped.Load(),
			ConsecutiveFailures: js.failures,
			LastRun:             js.lastRun,
			NextRunAt:           js.nextRunAt,
		}
		if js.lastErr != nil {
			st.LastError = js.lastErr.Error()
		}
		js.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped")
}
