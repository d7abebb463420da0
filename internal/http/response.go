package http

import (
	"ftsdb/pkg/cluster"
	"ftsdb/pkg/index"
	"ftsdb/pkg/metrics"
	"ftsdb/pkg/raftadapter"
	"ftsdb/pkg/scheduler"
	"ftsdb/pkg/types"
)

type Status string

const (
	// StatusOK is used for probe responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status              `json:"status,omitempty"`
	Result *raftadapter.Result `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// ProbeResponse is what a peer answers on the probe endpoint.
type ProbeResponse struct {
	Health Status `json:"health"`
}

// ErrorResponse carries the leader hint on 503 answers.
type ErrorResponse = cluster.ErrorResponse

type DocumentResponse struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	Stale  bool           `json:"stale,omitempty"`
}

type SearchResponse struct {
	index.SearchResult
	Stale bool `json:"stale,omitempty"`
}

type LeaderResponse struct {
	ID      uint64 `json:"id"`
	Address string `json:"address,omitempty"`
	Self    bool   `json:"self"`
}

type SnapshotResponse struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

type MetricsResponse struct {
	Node    raftadapter.Status   `json:"node"`
	Index   index.Stats          `json:"index"`
	Health  scheduler.Health     `json:"health"`
	Peers   []cluster.PeerRecord `json:"peers,omitempty"`
	Samples []metrics.Sample     `json:"samples"`
}

type HealthResponse struct {
	Status  scheduler.HealthStatus `json:"status"`
	Role    types.Role             `json:"role"`
	Failing []string               `json:"failing,omitempty"`
}

func NewSuccessResponse(res raftadapter.Result) Response {
	return Response{Status: StatusSuccess, Result: &res}
}

func NewErrorResponse(err string) ErrorResponse {
	return ErrorResponse{Error: err}
}
