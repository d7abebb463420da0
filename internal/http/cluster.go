package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"ftsdb/pkg/cluster"
	"ftsdb/pkg/scheduler"
	"ftsdb/pkg/snapshot"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: scheduler.HealthOK, Role: s.deps.Node.Status().Role}
	if s.deps.Scheduler != nil {
		h := s.deps.Scheduler.Health()
		resp.Status, resp.Failing = h.Status, h.Failing
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{
		Node:   s.deps.Node.Status(),
		Index:  s.deps.Index.Stats(),
		Health: scheduler.Health{Status: scheduler.HealthOK},
	}
	if s.deps.Scheduler != nil {
		resp.Health = s.deps.Scheduler.Health()
	}
	if s.deps.Members != nil {
		resp.Peers = s.deps.Members.ListPeers()
	}
	if s.deps.Metrics != nil {
		resp.Samples = s.deps.Metrics.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListPeers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Members == nil {
		s.writeJSON(w, http.StatusOK, s.deps.Node.Peers())
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Members.ListPeers())
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()

	if err := s.deps.Members.AddPeer(ctx, req.ID, req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Members.ListPeers())
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid peer id"))
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()

	if err := s.deps.Members.RemovePeer(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Members.ListPeers())
}

func (s *Server) handleLeader(w http.ResponseWriter, _ *http.Request) {
	id := s.deps.Node.LeaderID()
	if id == 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("leader unknown"))
		return
	}
	s.writeJSON(w, http.StatusOK, LeaderResponse{
		ID:      id,
		Address: s.deps.Node.LeaderAddr(),
		Self:    s.deps.Node.IsLeader(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Snapshots.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SnapshotResponse{Index: meta.Index, Term: meta.Term})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeJSON(w, http.StatusOK, []scheduler.JobStatus{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Scheduler.Jobs())
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.deps.Node.Handle(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSnapshotChunk(w http.ResponseWriter, r *http.Request) {
	var ch snapshot.Chunk
	if !s.decodeJSON(w, r, &ch) {
		return
	}

	ack, err := s.deps.Node.HandleSnapshotChunk(r.Context(), ch)
	if err != nil {
		s.writeError(w, fmt.Errorf("snapshot chunk at %d: %w", ch.Offset, err))
		return
	}
	s.writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleProbe(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ProbeResponse{Health: StatusOK})
}
