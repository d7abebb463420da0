package command

import (
	"encoding/json"
	"fmt"

	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/index"

	"github.com/google/uuid"
)

type Kind string

const (
	KindPut        Kind = "put"
	KindDelete     Kind = "delete"
	KindCommit     Kind = "commit"
	KindRollback   Kind = "rollback"
	KindMerge      Kind = "merge"
	KindSetSchema  Kind = "set_schema"
	KindAddPeer    Kind = "add_peer"
	KindRemovePeer Kind = "remove_peer"
)

type DeleteDocument struct {
	ID string `json:"id"`
}

type AddPeer struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
}

type RemovePeer struct {
	ID uint64 `json:"id"`
}

// Command is a tagged union: Kind selects which payload is set.
// Commit, Rollback and Merge carry no payload.
type Command struct {
	Kind       Kind            `json:"kind"`
	Put        *index.Document `json:"put,omitempty"`
	Delete     *DeleteDocument `json:"delete,omitempty"`
	SetSchema  *index.Schema   `json:"set_schema,omitempty"`
	AddPeer    *AddPeer        `json:"add_peer,omitempty"`
	RemovePeer *RemovePeer     `json:"remove_peer,omitempty"`
}

func Put(doc index.Document) Command {
	return Command{Kind: KindPut, Put: &doc}
}

func Delete(id string) Command {
	return Command{Kind: KindDelete, Delete: &DeleteDocument{ID: id}}
}

func Commit() Command   { return Command{Kind: KindCommit} }
func Rollback() Command { return Command{Kind: KindRollback} }
func Merge() Command    { return Command{Kind: KindMerge} }

func SetSchema(s index.Schema) Command {
	return Command{Kind: KindSetSchema, SetSchema: &s}
}

func NewAddPeer(id uint64, addr string) Command {
	return Command{Kind: KindAddPeer, AddPeer: &AddPeer{ID: id, Address: addr}}
}

func NewRemovePeer(id uint64) Command {
	return Command{Kind: KindRemovePeer, RemovePeer: &RemovePeer{ID: id}}
}

// IsMembership reports whether the command travels as a raft conf change.
func (c Command) IsMembership() bool {
	return c.Kind == KindAddPeer || c.Kind == KindRemovePeer
}

func (c Command) payloads() int {
	n := 0
	for _, set := range []bool{c.Put != nil, c.Delete != nil, c.SetSchema != nil, c.AddPeer != nil, c.RemovePeer != nil} {
		if set {
			n++
		}
	}
	return n
}

func (c Command) Validate() error {
	var ok bool
	switch c.Kind {
	case KindPut:
		ok = c.Put != nil && c.payloads() == 1 && c.Put.ID != ""
	case KindDelete:
		ok = c.Delete != nil && c.payloads() == 1 && c.Delete.ID != ""
	case KindCommit, KindRollback, KindMerge:
		ok = c.payloads() == 0
	case KindSetSchema:
		if c.SetSchema == nil || c.payloads() != 1 {
			break
		}
		return c.SetSchema.Validate()
	case KindAddPeer:
		ok = c.AddPeer != nil && c.payloads() == 1 && c.AddPeer.ID != 0 && c.AddPeer.Address != ""
	case KindRemovePeer:
		ok = c.RemovePeer != nil && c.payloads() == 1 && c.RemovePeer.ID != 0
	default:
		return fmt.Errorf("%w: unknown kind %q", dberrors.ErrInvalidCommand, c.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: malformed %s command", dberrors.ErrInvalidCommand, c.Kind)
	}
	return nil
}

// Envelope is what a normal log entry carries. ID routes the apply result back to
// the proposer; DedupeKey identifies client retries and defaults to ID.
type Envelope struct {
	ID        uuid.UUID `json:"id"`
	DedupeKey string    `json:"dedupe_key"`
	Command   Command   `json:"command"`
}

func NewEnvelope(cmd Command, dedupeKey string) Envelope {
	id := uuid.New()
	if dedupeKey == "" {
		dedupeKey = id.String()
	}
	return Envelope{ID: id, DedupeKey: dedupeKey, Command: cmd}
}

func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("%w: decode envelope: %v", dberrors.ErrInvalidCommand, err)
	}
	if e.DedupeKey == "" {
		e.DedupeKey = e.ID.String()
	}
	return e, nil
}
