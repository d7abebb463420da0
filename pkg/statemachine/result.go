package statemachine

import (
	"errors"

	"ftsdb/pkg/command"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/index"
	"ftsdb/pkg/types"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// ApplyResult is produced for every applied entry, including failed ones.
type ApplyResult struct {
	Index      uint64
	Term       uint64
	EnvelopeID uuid.UUID
	Kind       command.Kind
	Generation types.GenerationID
	Merge      *index.MergeResult
	Err        error

	// Duplicate is set when the dedupe key was seen before; the fields above
	// then repeat the first result.
	Duplicate bool

	// Membership entries only.
	ConfChange *raftpb.ConfChange
	Address    string
}

// record is the dedupe table form of a result.
type record struct {
	Index      uint64             `json:"index"`
	Kind       command.Kind       `json:"kind"`
	Generation types.GenerationID `json:"generation,omitempty"`
	Merge      *index.MergeResult `json:"merge,omitempty"`
	Code       string             `json:"code,omitempty"`
	Message    string             `json:"message,omitempty"`
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"schema_incompatible", dberrors.ErrSchemaIncompatible},
	{"invalid_command", dberrors.ErrInvalidCommand},
	{"index_engine", dberrors.ErrIndexEngine},
}

func toRecord(r ApplyResult) record {
	rec := record{Index: r.Index, Kind: r.Kind, Generation: r.Generation, Merge: r.Merge}
	if r.Err != nil {
		rec.Code = "apply"
		rec.Message = r.Err.Error()
		for _, c := range errorCodes {
			if errors.Is(r.Err, c.err) {
				rec.Code = c.code
				break
			}
		}
	}
	return rec
}

// storedError replays a remembered failure so errors.Is still matches its category.
type storedError struct {
	code string
	msg  string
}

func (e *storedError) Error() string { return e.msg }

func (e *storedError) Unwrap() error {
	for _, c := range errorCodes {
		if c.code == e.code {
			return c.err
		}
	}
	return dberrors.ErrApply
}

func (rec record) result() ApplyResult {
	r := ApplyResult{Index: rec.Index, Kind: rec.Kind, Generation: rec.Generation, Merge: rec.Merge, Duplicate: true}
	if rec.Code != "" {
		r.Err = &storedError{code: rec.Code, msg: rec.Message}
	}
	return r
}
