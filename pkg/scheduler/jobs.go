package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"ftsdb/pkg/cluster"
	"ftsdb/pkg/command"
	"ftsdb/pkg/config"
	"ftsdb/pkg/consensus"
	"ftsdb/pkg/index"
	"ftsdb/pkg/metrics"
	"ftsdb/pkg/raftadapter"
	"ftsdb/pkg/types"
)

// Deps are the components the built-in jobs act on.
type Deps struct {
	Node      consensus.Node
	Stats     func() index.Stats
	Snapshots interface {
		MaybeSnapshot(ctx context.Context) (bool, error)
	}
	Members   *cluster.Manager
	Collector metrics.Collector
}

// FromConfig builds a scheduler with the enabled built-in jobs.
func FromConfig(cfg config.SchedulerConfig, deps Deps) (*Scheduler, error) {
	s := New(cfg.FailureThreshold)

	jobs := []struct {
		conf config.JobConfig
		job  func() Job
	}{
		{cfg.MergeSweep, func() Job { return MergeSweepJob(deps.Node, deps.Stats, cfg.MergeSegments) }},
		{cfg.Snapshot, func() Job { return SnapshotJob(deps.Snapshots) }},
		{cfg.Metrics, func() Job { return MetricsJob(deps.Node, deps.Stats, deps.Members, deps.Collector) }},
		{cfg.Probe, func() Job { return ProbeJob(deps.Members) }},
	}
	for _, j := range jobs {
		if !j.conf.Enabled {
			continue
		}
		job := j.job()
		job.Interval = j.conf.Interval
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type leaderProposer interface {
	consensus.Proposer
	consensus.Leadership
}

// MergeSweepJob asks for a merge once the committed generation has at least
// minSegments segments. Only the leader proposes; elsewhere it is a no-op.
func MergeSweepJob(node leaderProposer, stats func() index.Stats, minSegments int) Job {
	return Job{
		ID:   string(KindMergeSweep),
		Kind: KindMergeSweep,
		Run: func(ctx context.Context) error {
			if !node.IsLeader() {
				return nil
			}
			st := stats()
			if st.Segments < minSegments {
				return nil
			}
			res, err := node.Submit(ctx, command.Merge(), "")
			if err != nil {
				return fmt.Errorf("merge sweep: %w", err)
			}
			if res.Merge != nil {
				slog.Info("segments merged",
					"generation", res.Merge.Generation,
					"before", res.Merge.SegmentsBefore,
					"after", res.Merge.SegmentsAfter)
			}
			return nil
		},
	}
}

func SnapshotJob(snaps interface {
	MaybeSnapshot(ctx context.Context) (bool, error)
}) Job {
	return Job{
		ID:   string(KindSnapshot),
		Kind: KindSnapshot,
		Run: func(ctx context.Context) error {
			_, err := snaps.MaybeSnapshot(ctx)
			return err
		},
	}
}

// MetricsJob samples node, index and peer state into gauges.
func MetricsJob(node interface{ Status() raftadapter.Status }, stats func() index.Stats, members *cluster.Manager, c metrics.Collector) Job {
	return Job{
		ID:   string(KindMetrics),
		Kind: KindMetrics,
		Run: func(_ context.Context) error {
			st := node.Status()
			c.SetGauge("raft_term", nil, float64(st.Term))
			c.SetGauge("raft_commit_index", nil, float64(st.CommitIndex))
			c.SetGauge("raft_last_applied", nil, float64(st.LastApplied))
			c.SetGauge("raft_snapshot_index", nil, float64(st.SnapshotIndex))
			c.SetGauge("raft_log_entries", nil, float64(st.LogEntries))
			c.SetGauge("raft_log_bytes", nil, float64(st.LogBytes))
			c.SetGauge("raft_pending_proposals", nil, float64(st.Pending))
			c.SetGauge("raft_is_leader", nil, boolGauge(st.Role == types.Leader))

			ix := stats()
			c.SetGauge("index_generation", nil, float64(ix.Generation))
			c.SetGauge("index_segments", nil, float64(ix.Segments))
			c.SetGauge("index_docs", nil, float64(ix.Docs))
			c.SetGauge("index_pending_ops", nil, float64(ix.Pending))

			if members != nil {
				for _, p := range members.ListPeers() {
					if p.Status == cluster.StatusLeft {
						continue
					}
					labels := map[string]string{"peer": strconv.FormatUint(p.ID, 10)}
					c.SetGauge("peer_healthy", labels, boolGauge(p.Status == cluster.StatusActive))
					c.SetGauge("peer_probe_failures", labels, float64(p.ConsecutiveFailures))
				}
			}
			return nil
		},
	}
}

// ProbeJob probes all peers. An unreachable peer is recorded on the peer,
// it is not a job failure.
func ProbeJob(members *cluster.Manager) Job {
	return Job{
		ID:   string(KindProbe),
		Kind: KindProbe,
		Run: func(ctx context.Context) error {
			results := members.ProbeAll(ctx)
			for id, res := range results {
				if res != cluster.Healthy {
					slog.Debug("peer probe", "id", id, "result", res)
				}
			}
			return nil
		},
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
