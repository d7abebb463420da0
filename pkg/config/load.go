package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Load reads a YAML file on top of Default, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("config file not found, using default config", "path", path)
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[uint64]bool, len(c.Raft.Peers))
	self := false
	for _, p := range c.Raft.Peers {
		if seen[p.ID] {
			return fmt.Errorf("invalid config: duplicate peer ID %d", p.ID)
		}
		seen[p.ID] = true
		self = self || p.ID == c.Raft.ID
	}
	if !c.Raft.Join && !self {
		return fmt.Errorf("invalid config: raft.peers must include this node (%d) unless joining", c.Raft.ID)
	}
	return nil
}

// ApplyEnv overrides node identity from the environment:
//
//	FTSDB_NODE_ID=2
//	FTSDB_NODE_ADDR=http://node2:8080
//	FTSDB_PEERS=1=http://node1:8080,2=http://node2:8080
//	FTSDB_DATA_DIR=/var/lib/ftsdb
//	FTSDB_JOIN=true
//	ZK_SERVERS=zk1:2181,zk2:2181
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("FTSDB_NODE_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FTSDB_NODE_ID: %w", err)
		}
		c.Raft.ID = id
	}
	if v := getenv("FTSDB_NODE_ADDR"); v != "" {
		c.Raft.Address = v
	}
	if v := getenv("FTSDB_DATA_DIR"); v != "" {
		c.Raft.DataDir = v
	}
	if v := getenv("FTSDB_JOIN"); v != "" {
		join, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FTSDB_JOIN: %w", err)
		}
		c.Raft.Join = join
	}
	if v := getenv("FTSDB_PEERS"); v != "" {
		peers, err := parsePeers(v)
		if err != nil {
			return fmt.Errorf("FTSDB_PEERS: %w", err)
		}
		c.Raft.Peers = peers
	}
	if v := getenv("FTSDB_SEEDS"); v != "" {
		c.Raft.Seeds = splitList(v)
	}
	if v := getenv("ZK_SERVERS"); v != "" {
		c.ZooKeeper.Servers = splitList(v)
	}
	return nil
}

func parsePeers(raw string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, item := range splitList(raw) {
		idStr, addr, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("expected id=address, got %q", item)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("peer id %q: %w", idStr, err)
		}
		peers = append(peers, PeerConfig{ID: id, Address: strings.TrimSpace(addr)})
	}
	return peers, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
