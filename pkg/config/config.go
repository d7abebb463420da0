package config

import (
	"time"
)

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации
type Config struct {
	Logger     LoggerConfig     `yaml:"logger" validate:"required"`
	Server     ServerConfig     `yaml:"http-server" validate:"required"`
	Raft       RaftConfig       `yaml:"raft" validate:"required"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" validate:"required"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" validate:"required"`
	Membership MembershipConfig `yaml:"membership" validate:"required"`
	ZooKeeper  ZooKeeperConfig  `yaml:"zookeeper"`
	Index      IndexConfig      `yaml:"index"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	WriteTimeout      time.Duration `yaml:"write_timeout" validate:"required"`
	// RequestTimeout bounds how long a client write waits for apply.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"required"`
}

type PeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required,url"`
}

// RaftConfig - параметры консенсуса. Тики считаются в TickInterval.
type RaftConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required,url"`
	DataDir string `yaml:"data_dir" validate:"required"`
	// Peers is the initial voter set including this node. Ignored once a log exists.
	Peers []PeerConfig `yaml:"peers" validate:"dive"`
	// Join starts the node without a configuration; it waits to be added by the leader.
	Join  bool     `yaml:"join"`
	Seeds []string `yaml:"seeds" validate:"dive,url"`

	TickInterval              time.Duration `yaml:"tick_interval" validate:"required"`
	ElectionTick              int           `yaml:"election_tick" validate:"required,gtfield=HeartbeatTick"`
	HeartbeatTick             int           `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64        `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64        `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64        `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int           `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool          `yaml:"check_quorum"`
	PreVote                   bool          `yaml:"pre_vote"`

	ProposalTimeout time.Duration `yaml:"proposal_timeout" validate:"required"`
	ApplyBuffer     int           `yaml:"apply_buffer" validate:"required,min=1"`
	DedupeWindow    int           `yaml:"dedupe_window" validate:"min=0"`
}

type SnapshotConfig struct {
	EntriesThreshold uint64        `yaml:"entries_threshold" validate:"required,min=1"`
	CatchupEntries   uint64        `yaml:"catchup_entries"`
	ChunkSize        int           `yaml:"chunk_size" validate:"required,min=1024"`
	SendTimeout      time.Duration `yaml:"send_timeout" validate:"required"`
}

type JobConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"required_if=Enabled true"`
}

type SchedulerConfig struct {
	MergeSweep JobConfig `yaml:"merge_sweep"`
	Snapshot   JobConfig `yaml:"snapshot"`
	Metrics    JobConfig `yaml:"metrics"`
	Probe      JobConfig `yaml:"probe"`
	// FailureThreshold consecutive failures of one job mark the node degraded.
	FailureThreshold int `yaml:"failure_threshold" validate:"required,min=1"`
	// MergeSegments is the segment count at which the sweep asks for a merge.
	MergeSegments int `yaml:"merge_segments" validate:"required,min=2"`
}

type MembershipConfig struct {
	SuspectAfter int           `yaml:"suspect_after" validate:"required,min=1"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"required"`
}

// ZooKeeperConfig включает регистрацию ноды в ZK. Пустой Servers - ZK не используется.
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root" validate:"required_with=Servers"`
	SessionTimeout time.Duration `yaml:"session_timeout" validate:"required_with=Servers"`
}

type IndexConfig struct {
	// SchemaFile is applied on first start of a fresh cluster.
	SchemaFile string `yaml:"schema_file"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config for a single node.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			RequestTimeout:    5 * time.Second,
		},
		Raft: RaftConfig{
			ID:                        1,
			Address:                   "http://127.0.0.1:8080",
			DataDir:                   "./data",
			Peers:                     []PeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
			TickInterval:              100 * time.Millisecond,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  16 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			ProposalTimeout:           5 * time.Second,
			ApplyBuffer:               64,
			DedupeWindow:              10000,
		},
		Snapshot: SnapshotConfig{
			EntriesThreshold: 10000,
			CatchupEntries:   0,
			ChunkSize:        1024 * 1024,
			SendTimeout:      30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MergeSweep:       JobConfig{Enabled: true, Interval: time.Minute},
			Snapshot:         JobConfig{Enabled: true, Interval: 30 * time.Second},
			Metrics:          JobConfig{Enabled: true, Interval: 10 * time.Second},
			Probe:            JobConfig{Enabled: true, Interval: 5 * time.Second},
			FailureThreshold: 3,
			MergeSegments:    8,
		},
		Membership: MembershipConfig{
			SuspectAfter: 3,
			ProbeTimeout: time.Second,
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/ftsdb",
			SessionTimeout: 5 * time.Second,
		},
	}
}
