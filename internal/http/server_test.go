//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ftsdb/pkg/cluster"
	"ftsdb/pkg/command"
	"ftsdb/pkg/config"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/index"
	"ftsdb/pkg/metrics"
	"ftsdb/pkg/raftadapter"
	"ftsdb/pkg/scheduler"
	"ftsdb/pkg/snapshot"
	"ftsdb/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func testSchema() index.Schema {
	return index.Schema{
		UniqueKey: "id",
		Fields: []index.FieldSpec{
			{Name: "id", Type: index.FieldKeyword, Stored: true, Indexed: true},
			{Name: "title", Type: index.FieldText, Stored: true, Indexed: true},
		},
	}
}

// fakeRaftNode applies commands straight to an in-memory index, as a
// single-node cluster would.
type fakeRaftNode struct {
	mu         sync.Mutex
	ix         *index.Index
	leader     bool
	next       uint64
	err        error
	dedupeKeys []string
	messages   []raftpb.Message
	readIndex  int
}

func newFakeRaftNode(t *testing.T) *fakeRaftNode {
	t.Helper()
	ix, err := index.Open("", testSchema())
	if err != nil {
		t.Fatalf("index.Open failed: %v", err)
	}
	return &fakeRaftNode{ix: ix, leader: true}
}

func (n *fakeRaftNode) Submit(_ context.Context, cmd command.Command, dedupeKey string) (raftadapter.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.leader {
		return raftadapter.Result{}, &dberrors.NotLeaderError{LeaderID: 2, LeaderAddr: "http://node-2:8080"}
	}
	if n.err != nil {
		return raftadapter.Result{}, n.err
	}
	if err := cmd.Validate(); err != nil {
		return raftadapter.Result{}, err
	}
	n.dedupeKeys = append(n.dedupeKeys, dedupeKey)
	n.next++

	res := raftadapter.Result{Index: n.next, Kind: cmd.Kind}
	var err error
	switch cmd.Kind {
	case command.KindPut:
		err = n.ix.AddDocument(*cmd.Put)
	case command.KindDelete:
		err = n.ix.DeleteDocument(cmd.Delete.ID)
	case command.KindCommit:
		res.Generation, err = n.ix.Commit(index.CommitMeta{AppliedIndex: n.next})
	case command.KindRollback:
		res.Generation = n.ix.Rollback()
	case command.KindMerge:
		m := n.ix.Merge()
		res.Merge = &m
	case command.KindSetSchema:
		err = n.ix.SetSchema(*cmd.SetSchema)
	}
	return res, err
}

func (n *fakeRaftNode) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

func (n *fakeRaftNode) LeaderID() uint64 {
	if n.IsLeader() {
		return 1
	}
	return 2
}

func (n *fakeRaftNode) LeaderAddr() string {
	if n.IsLeader() {
		return "http://node-1:8080"
	}
	return "http://node-2:8080"
}

func (n *fakeRaftNode) ReadIndex(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.leader {
		return 0, &dberrors.NotLeaderError{LeaderID: 2, LeaderAddr: "http://node-2:8080"}
	}
	n.readIndex++
	return n.next, nil
}

func (n *fakeRaftNode) Peers() map[uint64]string {
	return map[uint64]string{1: "http://node-1:8080", 2: "http://node-2:8080"}
}

func (n *fakeRaftNode) Status() raftadapter.Status {
	role := types.Follower
	if n.IsLeader() {
		role = types.Leader
	}
	return raftadapter.Status{ID: 1, Role: role, Term: 2, CommitIndex: n.next, LastApplied: n.next}
}

func (n *fakeRaftNode) Handle(_ context.Context, msg raftpb.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *fakeRaftNode) HandleSnapshotChunk(_ context.Context, ch snapshot.Chunk) (snapshot.Ack, error) {
	if ch.CRC == 0 {
		return snapshot.Ack{}, dberrors.ErrCorruptSnapshot
	}
	next := ch.Offset + int64(len(ch.Data))
	return snapshot.Ack{NextOffset: next, Done: next == ch.Total}, nil
}

type fakeMembers struct {
	err   error
	added []cluster.JoinRequest
}

func (m *fakeMembers) AddPeer(_ context.Context, id uint64, addr string) error {
	if m.err != nil {
		return m.err
	}
	m.added = append(m.added, cluster.JoinRequest{ID: id, Address: addr})
	return nil
}

func (m *fakeMembers) RemovePeer(_ context.Context, id uint64) error {
	if id == 9 {
		return dberrors.ErrUnknownPeer
	}
	return m.err
}

func (m *fakeMembers) ListPeers() []cluster.PeerRecord {
	return []cluster.PeerRecord{{ID: 1, Address: "http://node-1:8080", Status: cluster.StatusActive}}
}

type fakeSnapshots struct{}

func (fakeSnapshots) Snapshot(context.Context) (raftpb.SnapshotMetadata, error) {
	return raftpb.SnapshotMetadata{Index: 10, Term: 2}, nil
}

type fakeScheduler struct {
	health scheduler.Health
}

func (f *fakeScheduler) Health() scheduler.Health    { return f.health }
func (f *fakeScheduler) Jobs() []scheduler.JobStatus { return nil }

type testServer struct {
	*Server
	node    *fakeRaftNode
	members *fakeMembers
	sched   *fakeScheduler
	metrics *metrics.Registry
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	node := newFakeRaftNode(t)
	members := &fakeMembers{}
	sched := &fakeScheduler{health: scheduler.Health{Status: scheduler.HealthOK}}
	reg := metrics.NewRegistry()

	s := NewServer(config.ServerConfig{Port: 8080, RequestTimeout: time.Second}, Deps{
		Node:      node,
		Index:     node.ix,
		Members:   members,
		Snapshots: fakeSnapshots{},
		Scheduler: sched,
		Metrics:   reg,
	})
	return &testServer{Server: s, node: node, members: members, sched: sched, metrics: reg, handler: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeInto[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return v
}

func expectCode(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("expected status %d, got %d body=%s", code, rr.Code, rr.Body.String())
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/health", "")
	expectCode(t, rr, http.StatusOK)
	if resp := decodeInto[HealthResponse](t, rr); resp.Status != scheduler.HealthOK || resp.Role != types.Leader {
		t.Fatalf("unexpected health: %+v", resp)
	}

	ts.sched.health = scheduler.Health{Status: scheduler.HealthDegraded, Failing: []string{"snapshot"}}
	rr = ts.do(t, http.MethodGet, "/health", "")
	resp := decodeInto[HealthResponse](t, rr)
	if resp.Status != scheduler.HealthDegraded || len(resp.Failing) != 1 {
		t.Fatalf("expected degraded health, got %+v", resp)
	}
}

func TestDocumentFlow(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPut, "/api/documents/1", `{"title":"Go in practice"}`)
	expectCode(t, rr, http.StatusOK)
	if resp := decodeInto[Response](t, rr); resp.Status != StatusSuccess || resp.Result.Kind != command.KindPut {
		t.Fatalf("put: unexpected response %+v", resp)
	}

	// not visible before commit
	expectCode(t, ts.do(t, http.MethodGet, "/api/documents/1", ""), http.StatusNotFound)

	rr = ts.do(t, http.MethodPost, "/api/commit", "")
	expectCode(t, rr, http.StatusOK)
	if resp := decodeInto[Response](t, rr); resp.Result.Generation != 1 {
		t.Fatalf("commit: expected generation 1, got %+v", resp.Result)
	}

	rr = ts.do(t, http.MethodGet, "/api/documents/1", "")
	expectCode(t, rr, http.StatusOK)
	if doc := decodeInto[DocumentResponse](t, rr); doc.Fields["title"] != "Go in practice" || !doc.Stale {
		t.Fatalf("get: unexpected document %+v", doc)
	}

	// the leader marks local reads too; only the barriers clear the flag
	rr = ts.do(t, http.MethodGet, "/api/documents/1?consistency=leader", "")
	expectCode(t, rr, http.StatusOK)
	if doc := decodeInto[DocumentResponse](t, rr); doc.Stale {
		t.Fatalf("leader read must not be marked stale: %+v", doc)
	}
	rr = ts.do(t, http.MethodGet, "/api/search?q=practice&consistency=linearizable", "")
	expectCode(t, rr, http.StatusOK)
	if decodeInto[SearchResponse](t, rr).Stale {
		t.Fatal("linearizable read must not be marked stale")
	}

	rr = ts.do(t, http.MethodGet, "/api/search?q=practice&limit=5", "")
	expectCode(t, rr, http.StatusOK)
	res := decodeInto[SearchResponse](t, rr)
	if len(res.Docs) != 1 || res.Docs[0].ID != "1" || res.Count == nil || *res.Count != 1 || !res.Stale {
		t.Fatalf("search: unexpected result %+v", res)
	}

	rr = ts.do(t, http.MethodGet, "/api/search?q=practice&exclude_docs=true&exclude_count=true", "")
	res = decodeInto[SearchResponse](t, rr)
	if len(res.Docs) != 0 || res.Count != nil {
		t.Fatalf("search with exclusions: unexpected result %+v", res)
	}

	expectCode(t, ts.do(t, http.MethodDelete, "/api/documents/1", ""), http.StatusOK)
	expectCode(t, ts.do(t, http.MethodPost, "/api/commit", ""), http.StatusOK)
	expectCode(t, ts.do(t, http.MethodGet, "/api/documents/1", ""), http.StatusNotFound)
}

func TestRollbackAndMerge(t *testing.T) {
	ts := newTestServer(t)

	expectCode(t, ts.do(t, http.MethodPut, "/api/documents/1", `{"title":"draft"}`), http.StatusOK)
	expectCode(t, ts.do(t, http.MethodPost, "/api/rollback", ""), http.StatusOK)
	expectCode(t, ts.do(t, http.MethodPost, "/api/commit", ""), http.StatusOK)
	expectCode(t, ts.do(t, http.MethodGet, "/api/documents/1", ""), http.StatusNotFound)

	rr := ts.do(t, http.MethodPost, "/api/merge", "")
	expectCode(t, rr, http.StatusOK)
	if resp := decodeInto[Response](t, rr); resp.Result.Merge == nil {
		t.Fatalf("merge: expected a merge result, got %+v", resp.Result)
	}
}

func TestFollowerAnswersWithLeaderHint(t *testing.T) {
	ts := newTestServer(t)
	ts.node.leader = false

	rr := ts.do(t, http.MethodPut, "/api/documents/1", `{"title":"x"}`)
	expectCode(t, rr, http.StatusServiceUnavailable)
	resp := decodeInto[ErrorResponse](t, rr)
	if resp.Leader != "http://node-2:8080" || resp.LeaderID != 2 {
		t.Fatalf("expected leader hint, got %+v", resp)
	}

	// stale reads are served locally and marked
	rr = ts.do(t, http.MethodGet, "/api/search?q=x", "")
	expectCode(t, rr, http.StatusOK)
	if !decodeInto[SearchResponse](t, rr).Stale {
		t.Fatal("follower read must be marked possibly stale")
	}

	expectCode(t, ts.do(t, http.MethodGet, "/api/search?q=x&consistency=leader", ""), http.StatusServiceUnavailable)
	expectCode(t, ts.do(t, http.MethodGet, "/api/search?q=x&consistency=linearizable", ""), http.StatusServiceUnavailable)
}

func TestLinearizableReadUsesReadIndex(t *testing.T) {
	ts := newTestServer(t)

	expectCode(t, ts.do(t, http.MethodGet, "/api/search?q=x&consistency=linearizable", ""), http.StatusOK)
	if ts.node.readIndex != 1 {
		t.Fatalf("expected one ReadIndex call, got %d", ts.node.readIndex)
	}
	expectCode(t, ts.do(t, http.MethodGet, "/api/search?q=x&consistency=bogus", ""), http.StatusUnprocessableEntity)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", dberrors.ErrReplicationTimeout, http.StatusGatewayTimeout},
		{"leadership lost", dberrors.ErrLeadershipLost, http.StatusServiceUnavailable},
		{"stopped", dberrors.ErrStopped, http.StatusServiceUnavailable},
		{"engine", dberrors.ErrIndexEngine, http.StatusUnprocessableEntity},
		{"unexpected", context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.node.err = tc.err
			expectCode(t, ts.do(t, http.MethodPost, "/api/commit", ""), tc.code)
		})
	}
}

func TestSchemaEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/schema", "")
	expectCode(t, rr, http.StatusOK)
	if s := decodeInto[index.Schema](t, rr); s.UniqueKey != "id" || len(s.Fields) != 2 {
		t.Fatalf("unexpected schema: %+v", s)
	}

	expectCode(t, ts.do(t, http.MethodPut, "/api/documents/1", `{"title":"x"}`), http.StatusOK)
	expectCode(t, ts.do(t, http.MethodPost, "/api/commit", ""), http.StatusOK)

	incompatible := `{"unique_key":"id","fields":[{"name":"id","type":"keyword","stored":true,"indexed":true},{"name":"title","type":"int","stored":true,"indexed":true}]}`
	rr = ts.do(t, http.MethodPut, "/api/schema", incompatible)
	expectCode(t, rr, http.StatusUnprocessableEntity)

	extended := `{"unique_key":"id","fields":[{"name":"id","type":"keyword","stored":true,"indexed":true},{"name":"title","type":"text","stored":true,"indexed":true},{"name":"year","type":"int","stored":true,"indexed":true}]}`
	expectCode(t, ts.do(t, http.MethodPut, "/api/schema", extended), http.StatusOK)
}

func TestDedupeKeyHeader(t *testing.T) {
	ts := newTestServer(t)
	expectCode(t, ts.do(t, http.MethodPost, "/api/commit", "", dedupeHeader, "client-7/42"), http.StatusOK)
	if len(ts.node.dedupeKeys) != 1 || ts.node.dedupeKeys[0] != "client-7/42" {
		t.Fatalf("dedupe key not forwarded: %v", ts.node.dedupeKeys)
	}
}

func TestClusterEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/cluster/leader", "")
	expectCode(t, rr, http.StatusOK)
	if l := decodeInto[LeaderResponse](t, rr); l.ID != 1 || !l.Self {
		t.Fatalf("unexpected leader: %+v", l)
	}

	expectCode(t, ts.do(t, http.MethodPost, "/api/cluster/peers", `{"id":3,"address":"http://node-3:8080"}`), http.StatusOK)
	if len(ts.members.added) != 1 || ts.members.added[0].ID != 3 {
		t.Fatalf("peer not added: %+v", ts.members.added)
	}

	expectCode(t, ts.do(t, http.MethodPost, "/api/cluster/peers", `{"id":4,"address":"not a url"}`), http.StatusBadRequest)
	expectCode(t, ts.do(t, http.MethodDelete, "/api/cluster/peers/9", ""), http.StatusNotFound)
	expectCode(t, ts.do(t, http.MethodDelete, "/api/cluster/peers/abc", ""), http.StatusBadRequest)

	ts.members.err = dberrors.ErrQuorumChangeInProgress
	expectCode(t, ts.do(t, http.MethodPost, "/api/cluster/peers", `{"id":5,"address":"http://node-5:8080"}`), http.StatusConflict)

	rr = ts.do(t, http.MethodGet, "/api/cluster/peers", "")
	expectCode(t, rr, http.StatusOK)
	if peers := decodeInto[[]cluster.PeerRecord](t, rr); len(peers) != 1 {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestInternalEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/internal/probe", "")
	expectCode(t, rr, http.StatusOK)
	if p := decodeInto[ProbeResponse](t, rr); p.Health != StatusOK {
		t.Fatalf("unexpected probe response: %+v", p)
	}

	msg, _ := json.Marshal(raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1, Term: 3})
	expectCode(t, ts.do(t, http.MethodPost, "/api/internal/raft", string(msg)), http.StatusOK)
	if len(ts.node.messages) != 1 || ts.node.messages[0].Type != raftpb.MsgHeartbeat {
		t.Fatalf("raft message not handed to the node: %+v", ts.node.messages)
	}

	chunk, _ := json.Marshal(snapshot.Chunk{Offset: 0, Total: 3, CRC: 1, Data: []byte("abc")})
	rr = ts.do(t, http.MethodPost, "/api/internal/snapshot", string(chunk))
	expectCode(t, rr, http.StatusOK)
	if ack := decodeInto[snapshot.Ack](t, rr); !ack.Done || ack.NextOffset != 3 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	bad, _ := json.Marshal(snapshot.Chunk{Total: 3, Data: []byte("abc")})
	expectCode(t, ts.do(t, http.MethodPost, "/api/internal/snapshot", string(bad)), http.StatusUnprocessableEntity)
}

func TestMetricsAndAdmin(t *testing.T) {
	ts := newTestServer(t)

	expectCode(t, ts.do(t, http.MethodPost, "/api/commit", ""), http.StatusOK)

	rr := ts.do(t, http.MethodPost, "/api/admin/snapshot", "")
	expectCode(t, rr, http.StatusOK)
	if snap := decodeInto[SnapshotResponse](t, rr); snap.Index != 10 {
		t.Fatalf("unexpected snapshot response: %+v", snap)
	}

	rr = ts.do(t, http.MethodGet, "/api/metrics", "")
	expectCode(t, rr, http.StatusOK)
	m := decodeInto[MetricsResponse](t, rr)
	if m.Node.Term != 2 || m.Index.Generation != 1 || len(m.Peers) != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}

	v, ok := ts.metrics.Value("commands_total", map[string]string{"kind": "commit", "ok": "true"})
	if !ok || v != 1 {
		t.Fatalf("commit counter = %v (%v), want 1", v, ok)
	}
	v, ok = ts.metrics.Value("http_requests_total", map[string]string{"route": "POST /api/commit", "code": "200"})
	if !ok || v != 1 {
		t.Fatalf("request counter = %v (%v), want 1", v, ok)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	expectCode(t, ts.do(t, http.MethodPost, "/health", ""), http.StatusMethodNotAllowed)
	expectCode(t, ts.do(t, http.MethodPut, "/api/documents/1", "{not json"), http.StatusBadRequest)
}
