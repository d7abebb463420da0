package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ftsdb/pkg/cluster"
	"ftsdb/pkg/config"
	"ftsdb/pkg/consensus"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/index"
	"ftsdb/pkg/metrics"
	"ftsdb/pkg/scheduler"
	"ftsdb/pkg/snapshot"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 32 << 20
	dedupeHeader           = "Idempotency-Key"
)

type iRaftNode interface {
	consensus.Node
	Handle(ctx context.Context, message raftpb.Message) error
	HandleSnapshotChunk(ctx context.Context, ch snapshot.Chunk) (snapshot.Ack, error)
}

type iIndexReader interface {
	Search(q index.Query) index.SearchResult
	Get(id string) (index.Document, bool)
	Schema() index.Schema
	Stats() index.Stats
}

type iMembership interface {
	AddPeer(ctx context.Context, id uint64, addr string) error
	RemovePeer(ctx context.Context, id uint64) error
	ListPeers() []cluster.PeerRecord
}

type iSnapshotter interface {
	Snapshot(ctx context.Context) (raftpb.SnapshotMetadata, error)
}

type iScheduler interface {
	Health() scheduler.Health
	Jobs() []scheduler.JobStatus
}

type iMetrics interface {
	metrics.Collector
	Snapshot() []metrics.Sample
}

// Deps are the components the gateway serves. Scheduler and Metrics may be nil.
type Deps struct {
	Node      iRaftNode
	Index     iIndexReader
	Members   iMembership
	Snapshots iSnapshotter
	Scheduler iScheduler
	Metrics   iMetrics
}

// Server is the client gateway and the endpoint peers talk to.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	validate   *validator.Validate
	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		validate: validator.New(),
		URL:      "http://localhost:" + strconv.Itoa(cfg.Port),
		addr:     ":" + strconv.Itoa(cfg.Port),
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics", s.handleMetrics)

		r.Put("/documents/{id}", s.handlePutDocument)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Get("/search", s.handleSearch)

		r.Post("/commit", s.handleCommit)
		r.Post("/rollback", s.handleRollback)
		r.Post("/merge", s.handleMerge)

		r.Get("/schema", s.handleGetSchema)
		r.Put("/schema", s.handleSetSchema)

		r.Route("/cluster", func(r chi.Router) {
			r.Get("/peers", s.handleListPeers)
			r.Post("/peers", s.handleAddPeer)
			r.Delete("/peers/{id}", s.handleRemovePeer)
			r.Get("/leader", s.handleLeader)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/snapshot", s.handleSnapshot)
			r.Get("/jobs", s.handleJobs)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Post("/raft", s.handleRaft)
			r.Post("/snapshot", s.handleSnapshotChunk)
			r.Get("/probe", s.handleProbe)
		})
	})

	return r
}

// countRequests keeps a per-route request counter.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		if s.deps.Metrics == nil {
			return
		}
		route := r.Method + " " + chi.RouteContext(r.Context()).RoutePattern()
		labels := map[string]string{"route": route, "code": strconv.Itoa(ww.Status())}
		s.deps.Metrics.IncCounter("http_requests_total", labels, 1)
		s.deps.Metrics.ObserveHistogram("http_request_seconds", map[string]string{"route": route}, time.Since(started).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := NewErrorResponse(err.Error())

	var status int
	switch {
	case errors.Is(err, dberrors.ErrNotLeader):
		status = http.StatusServiceUnavailable
		if id, addr, ok := dberrors.LeaderHint(err); ok {
			resp.LeaderID, resp.Leader = id, addr
		}
	case errors.Is(err, dberrors.ErrReplicationTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, dberrors.ErrLeadershipLost), errors.Is(err, dberrors.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrApply):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dberrors.ErrQuorumChangeInProgress):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrUnknownPeer):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrCorruptSnapshot), errors.Is(err, dberrors.ErrTransferInterrupted):
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
		slog.Error("request failed", "error", err)
	}

	s.writeJSON(w, status, resp)
}

// writeContext bounds how long a client write waits for its entry to apply.
func (s *Server) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}
