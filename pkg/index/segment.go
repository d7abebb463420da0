package index

import (
	"github.com/zhangyunhao116/skipmap"
)

type docMap = skipmap.FuncMap[string, Document]

func newDocMap() *docMap {
	return skipmap.NewFunc[string, Document](func(a, b string) bool {
		return a < b
	})
}

// segment is an immutable sorted run of documents written by one commit or one merge.
// A segment may still hold documents that were later replaced or deleted;
// generation.live decides which copy is visible.
type segment struct {
	id   uint64
	docs *docMap
}

func newSegment(id uint64) *segment {
	return &segment{id: id, docs: newDocMap()}
}

func (s *segment) sorted() []Document {
	out := make([]Document, 0, s.docs.Len())
	s.docs.Range(func(_ string, d Document) bool {
		out = append(out, d)
		return true
	})
	return out
}

// PendingOp is a buffered, not yet committed mutation.
type PendingOp struct {
	ID     string    `json:"id"`
	Doc    *Document `json:"doc,omitempty"`
	Delete bool      `json:"delete,omitempty"`
}

// writeBuffer holds the in-progress transaction. The last operation on an id wins,
// so applying the buffer in id order is deterministic on every replica.
type writeBuffer struct {
	ops *skipmap.FuncMap[string, PendingOp]
}

func newWriteBuffer() *writeBuffer {
	return &writeBuffer{
		ops: skipmap.NewFunc[string, PendingOp](func(a, b string) bool {
			return a < b
		}),
	}
}

func (b *writeBuffer) put(doc Document) {
	d := doc
	b.ops.Store(doc.ID, PendingOp{ID: doc.ID, Doc: &d})
}

func (b *writeBuffer) delete(id string) {
	b.ops.Store(id, PendingOp{ID: id, Delete: true})
}

func (b *writeBuffer) len() int {
	return b.ops.Len()
}

func (b *writeBuffer) sorted() []PendingOp {
	out := make([]PendingOp, 0, b.ops.Len())
	b.ops.Range(func(_ string, op PendingOp) bool {
		out = append(out, op)
		return true
	})
	return out
}
