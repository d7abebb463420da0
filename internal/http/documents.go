package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"ftsdb/pkg/command"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/index"
	"ftsdb/pkg/types"

	"github.com/go-chi/chi/v5"
)

func (s *Server) submit(w http.ResponseWriter, r *http.Request, cmd command.Command) {
	ctx, cancel := s.writeContext(r)
	defer cancel()

	res, err := s.deps.Node.Submit(ctx, cmd, r.Header.Get(dedupeHeader))
	if s.deps.Metrics != nil {
		s.deps.Metrics.IncCounter("commands_total", map[string]string{"kind": string(cmd.Kind), "ok": strconv.FormatBool(err == nil)}, 1)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse(res))
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if !s.decodeJSON(w, r, &fields) {
		return
	}
	s.submit(w, r, command.Put(index.Document{ID: chi.URLParam(r, "id"), Fields: fields}))
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, command.Delete(chi.URLParam(r, "id")))
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, command.Commit())
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, command.Rollback())
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, command.Merge())
}

func (s *Server) handleSetSchema(w http.ResponseWriter, r *http.Request) {
	var schema index.Schema
	if !s.decodeJSON(w, r, &schema) {
		return
	}
	s.submit(w, r, command.SetSchema(schema))
}

// readBarrier applies the requested consistency before a local read. It
// reports whether the answer may lag the leader, which holds for every read
// without a barrier, leader included.
func (s *Server) readBarrier(ctx context.Context, r *http.Request) (bool, error) {
	c := types.ReadConsistency(r.URL.Query().Get("consistency"))
	if c == "" {
		c = types.ReadStale
	}
	if !c.Valid() {
		return false, fmt.Errorf("%w: unknown consistency %q", dberrors.ErrInvalidCommand, c)
	}

	switch c {
	case types.ReadLeader:
		if !s.deps.Node.IsLeader() {
			return false, &dberrors.NotLeaderError{LeaderID: s.deps.Node.LeaderID(), LeaderAddr: s.deps.Node.LeaderAddr()}
		}
	case types.ReadLinearizable:
		if _, err := s.deps.Node.ReadIndex(ctx); err != nil {
			return false, err
		}
	default:
		return true, nil
	}
	return false, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	stale, err := s.readBarrier(r.Context(), r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	doc, ok := s.deps.Index.Get(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", dberrors.ErrDocumentNotFound, id))
		return
	}
	s.writeJSON(w, http.StatusOK, DocumentResponse{ID: doc.ID, Fields: doc.Fields, Stale: stale})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := parseSearchQuery(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	stale, err := s.readBarrier(r.Context(), r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SearchResponse{SearchResult: s.deps.Index.Search(q), Stale: stale})
}

func parseSearchQuery(r *http.Request) (index.Query, error) {
	v := r.URL.Query()
	q := index.Query{
		Text:          v.Get("q"),
		FacetField:    v.Get("facet_field"),
		FacetPrefixes: v["facet_prefix"],
	}

	var err error
	if q.From, err = intParam(v.Get("from")); err != nil {
		return q, fmt.Errorf("from: %w", err)
	}
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		return q, fmt.Errorf("limit: %w", err)
	}
	if q.ExcludeCount, err = boolParam(v.Get("exclude_count")); err != nil {
		return q, fmt.Errorf("exclude_count: %w", err)
	}
	if q.ExcludeDocs, err = boolParam(v.Get("exclude_docs")); err != nil {
		return q, fmt.Errorf("exclude_docs: %w", err)
	}
	return q, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return n, nil
}

func boolParam(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Index.Schema())
}
