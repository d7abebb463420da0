package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"ftsdb/pkg/config"

	"github.com/go-zookeeper/zk"
)

// ZKRegistry announces the node as an ephemeral znode <root>/nodes/<id>
// holding its address. New nodes read it to find seeds to join through.
type ZKRegistry struct {
	conn     *zk.Conn
	rootPath string
	self     uint64
	local    string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKRegistry(cfg config.ZooKeeperConfig, self uint64, localAddr string) (*ZKRegistry, error) {
	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKRegistry{
		conn:     conn,
		rootPath: strings.TrimRight(cfg.Root, "/"),
		self:     self,
		local:    localAddr,
	}, nil
}

func (m *ZKRegistry) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKRegistry) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKRegistry) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register создаёт ephemeral-узел для текущей ноды
func (m *ZKRegistry) Register(ctx context.Context) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(ctx); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := nodePath(m.nodesPath(), m.self)
	_, err := m.conn.Create(nodePath, []byte(m.local), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// a session from before a restart may still hold it
		_, err = m.conn.Set(nodePath, []byte(m.local), -1)
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", nodePath, "addr", m.local)
	return nil
}

// Nodes reads the registered nodes, self included.
func (m *ZKRegistry) Nodes() (map[uint64]string, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return m.readNodes(children)
}

func (m *ZKRegistry) readNodes(children []string) (map[uint64]string, error) {
	out := make(map[uint64]string, len(children))
	for _, child := range children {
		id, ok := parseNodeName(child)
		if !ok {
			continue
		}
		data, _, err := m.conn.Get(m.nodesPath() + "/" + child)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		out[id] = string(data)
	}
	return out, nil
}

// Watch calls fn with the registered nodes every time the set changes, until ctx is done.
func (m *ZKRegistry) Watch(ctx context.Context, fn func(nodes map[uint64]string)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				slog.Warn("zk watch failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}

			if nodes, err := m.readNodes(children); err == nil {
				fn(nodes)
			}

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKRegistry) waitConnected(ctx context.Context) error {
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// zkLogger routes the client's connection chatter to slog at debug level.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "zk")
}

func nodePath(dir string, id uint64) string {
	return fmt.Sprintf("%s/%d", dir, id)
}

func parseNodeName(name string) (uint64, bool) {
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func seedsFrom(nodes map[uint64]string, self uint64) []string {
	ids := make([]uint64, 0, len(nodes))
	for id := range nodes {
		if id != self && nodes[id] != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, nodes[id])
	}
	return out
}
