package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "ftsdb/internal/http"
	"ftsdb/pkg/cluster"
	"ftsdb/pkg/config"
	"ftsdb/pkg/metrics"
	"ftsdb/pkg/raftadapter"
	"ftsdb/pkg/scheduler"
	"ftsdb/pkg/snapshot"
	"ftsdb/pkg/statemachine"
)

const joinRetryInterval = time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, &cfg); err != nil {
		slog.Error("ftsdb stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ftsdb stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	ix, err := initIndex(cfg)
	if err != nil {
		return err
	}
	sm := statemachine.New(ix, cfg.Raft.DedupeWindow)

	// --- ZooKeeper registry (optional) ---
	var registry *cluster.ZKRegistry
	if len(cfg.ZooKeeper.Servers) > 0 {
		registry, err = cluster.NewZKRegistry(cfg.ZooKeeper, cfg.Raft.ID, cfg.Raft.Address)
		if err != nil {
			return fmt.Errorf("connect to zookeeper: %w", err)
		}
		defer registry.Close()
	}

	// --- raft ---
	transport := raftadapter.NewHTTPTransport(cfg.Snapshot)
	node, err := raftadapter.NewNode(&cfg.Raft, sm, transport)
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}
	st := node.Status()

	snapshots := snapshot.NewManager(sm, node, snapshot.Config{
		EntriesThreshold: cfg.Snapshot.EntriesThreshold,
		CatchupEntries:   cfg.Snapshot.CatchupEntries,
	}, st.SnapshotIndex)
	node.OnSnapshotInstalled(snapshots.Installed)

	members := cluster.NewManager(cfg.Raft.ID, node, cluster.NewHTTPProber(cfg.Membership.ProbeTimeout), cfg.Membership)
	registryMetrics := metrics.NewRegistry()

	sched, err := scheduler.FromConfig(cfg.Scheduler, scheduler.Deps{
		Node:      node,
		Stats:     sm.Stats,
		Snapshots: snapshots,
		Members:   members,
		Collector: registryMetrics,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	// --- HTTP gateway ---
	server := httpserver.NewServer(cfg.Server, httpserver.Deps{
		Node:      node,
		Index:     sm,
		Members:   members,
		Snapshots: snapshots,
		Scheduler: sched,
		Metrics:   registryMetrics,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	// the node outlives ctx so it can hand off leadership; node.Stop ends it
	runErr := make(chan error, 1)
	go func() {
		runErr <- node.Run(context.Background())
	}()
	sched.Start(ctx)

	seeds := cluster.NewSeedSet(cfg.Raft.ID, cfg.Raft.Seeds)
	if registry != nil {
		if err := registry.Register(ctx); err != nil {
			slog.Warn("zookeeper registration failed", "error", err)
		}
		registry.Watch(ctx, func(nodes map[uint64]string) {
			seeds.Update(nodes)
			slog.Info("zookeeper membership changed", "nodes", len(nodes), "seeds", len(seeds.List()))
		})
	}

	// a node with a log already knows its cluster; join only a fresh one
	if cfg.Raft.Join && st.LastIndex == 0 {
		if registry == nil && len(cfg.Raft.Seeds) == 0 {
			slog.Error("join requested but no seeds are configured")
		} else {
			go join(ctx, cfg, seeds)
		}
	}

	slog.Info("ftsdb started", "id", cfg.Raft.ID, "addr", cfg.Raft.Address, "http", server.URL)

	var nodeErr error
	select {
	case <-ctx.Done():
	case nodeErr = <-runErr:
	}

	slog.Info("shutting down")
	sched.Stop()
	if nodeErr == nil {
		handOffCtx, cancelHandOff := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
		if err := members.HandOff(handOffCtx, node); err != nil {
			slog.Warn("leadership hand off failed", "error", err)
		}
		cancelHandOff()
	}
	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := node.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("error stopping raft node", "error", err)
	}
	if err := ix.Close(); err != nil {
		slog.Error("error closing index", "error", err)
	}

	if nodeErr != nil && !errors.Is(nodeErr, context.Canceled) {
		return nodeErr
	}
	return nil
}

// join asks the cluster to add this node. Seeds come from the config and,
// when configured, from the ZooKeeper watch.
func join(ctx context.Context, cfg *config.Config, seeds *cluster.SeedSet) {
	joiner := cluster.NewJoiner(cfg.Server.RequestTimeout, joinRetryInterval)
	req := cluster.JoinRequest{ID: cfg.Raft.ID, Address: cfg.Raft.Address}
	if err := joiner.JoinFrom(ctx, seeds, req); err != nil {
		slog.Error("failed to join cluster", "error", err)
		return
	}
	slog.Info("joined cluster", "seeds", len(seeds.List()))
}
