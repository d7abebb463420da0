package index

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/types"
)

// CommitMeta is the durable marker written together with a generation.
// AppliedIndex is the last log index reflected in the generation.
type CommitMeta struct {
	AppliedIndex uint64          `json:"applied_index"`
	AppliedTerm  uint64          `json:"applied_term"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// MergeResult reports the segment layout change made by Merge.
type MergeResult struct {
	Generation     types.GenerationID `json:"generation"`
	SegmentsBefore int                `json:"segments_before"`
	SegmentsAfter  int                `json:"segments_after"`
}

// Stats is a cheap summary used by metrics and the merge sweep.
type Stats struct {
	Generation types.GenerationID `json:"generation"`
	Segments   int                `json:"segments"`
	Docs       int                `json:"docs"`
	Pending    int                `json:"pending"`
}

// Index is a small local full-text index. Mutations come from a single writer
// (the apply loop); queries run concurrently against the last committed generation.
type Index struct {
	dir string

	mu     sync.Mutex
	buffer *writeBuffer
	meta   CommitMeta

	committed atomic.Pointer[generation]
}

// Open loads the last committed generation from dir, or starts empty with
// the given schema. An empty dir keeps everything in memory.
func Open(dir string, initial Schema) (*Index, error) {
	ix := &Index{
		dir:    dir,
		buffer: newWriteBuffer(),
	}

	if dir != "" {
		file, ok, err := readGeneration(dir)
		if err != nil {
			return nil, err
		}
		if ok {
			ix.committed.Store(file.toGeneration())
			ix.meta = file.Meta
			slog.Info("index generation loaded",
				"generation", file.Generation,
				"applied_index", file.Meta.AppliedIndex,
				"segments", len(file.Segments))
			return ix, nil
		}
	}

	ix.committed.Store(emptyGeneration(initial.clone()))
	return ix, nil
}

// Meta returns the marker of the last durable commit.
func (ix *Index) Meta() CommitMeta {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.meta
}

func (ix *Index) AddDocument(doc Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := ix.committed.Load()
	if g.schema.IsZero() {
		return fmt.Errorf("%w: no schema set", dberrors.ErrInvalidCommand)
	}
	norm, err := doc.normalize(g.schema)
	if err != nil {
		return err
	}
	ix.buffer.put(norm)
	return nil
}

// DeleteDocument buffers a delete. Deleting an unknown id is not an error.
func (ix *Index) DeleteDocument(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", dberrors.ErrInvalidCommand)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.buffer.delete(id)
	return nil
}

// Commit makes buffered changes durable and visible and returns the new generation id.
// On failure nothing changes, the buffer is kept.
func (ix *Index) Commit(meta CommitMeta) (types.GenerationID, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	next := ix.committed.Load().apply(ix.buffer.sorted())

	if ix.dir != "" {
		if err := writeGeneration(ix.dir, newGenerationFile(next, meta)); err != nil {
			return 0, fmt.Errorf("%w: %v", dberrors.ErrIndexEngine, err)
		}
	}

	ix.committed.Store(next)
	ix.buffer = newWriteBuffer()
	ix.meta = meta
	return next.id, nil
}

// Rollback drops buffered changes and returns the generation queries keep seeing.
func (ix *Index) Rollback() types.GenerationID {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.buffer = newWriteBuffer()
	return ix.committed.Load().id
}

// Merge compacts all segments into one. The document set does not change.
// The new layout becomes durable with the next commit.
func (ix *Index) Merge() MergeResult {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := ix.committed.Load()
	res := MergeResult{Generation: g.id, SegmentsBefore: len(g.segments), SegmentsAfter: len(g.segments)}
	if len(g.segments) <= 1 {
		return res
	}

	next := g.merged()
	ix.committed.Store(next)
	res.SegmentsAfter = len(next.segments)
	return res
}

func (ix *Index) Schema() Schema {
	return ix.committed.Load().schema.clone()
}

// SetSchema replaces the schema after checking it against existing data.
func (ix *Index) SetSchema(s Schema) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := ix.committed.Load()
	hasData := g.hasData() || ix.buffer.len() > 0
	if err := g.schema.CheckCompatible(s, hasData); err != nil {
		return err
	}
	ix.committed.Store(g.withSchema(s.clone()))
	return nil
}

// Get returns the stored fields of a committed document.
func (ix *Index) Get(id string) (Document, bool) {
	g := ix.committed.Load()
	d, ok := g.doc(id)
	if !ok {
		return Document{}, false
	}
	return d.stored(g.schema), true
}

func (ix *Index) Stats() Stats {
	ix.mu.Lock()
	pending := ix.buffer.len()
	ix.mu.Unlock()

	g := ix.committed.Load()
	return Stats{
		Generation: g.id,
		Segments:   len(g.segments),
		Docs:       len(g.live),
		Pending:    pending,
	}
}
