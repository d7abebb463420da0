package index

import (
	"ftsdb/pkg/types"
)

// generation is the committed, query-visible state. It is never mutated after
// being published; writers build a new one and swap the pointer.
type generation struct {
	id          types.GenerationID
	schema      Schema
	segments    []*segment
	live        map[string]uint64 // doc id -> segment id holding the visible copy
	nextSegment uint64
}

func emptyGeneration(s Schema) *generation {
	return &generation{
		schema:      s,
		live:        make(map[string]uint64),
		nextSegment: 1,
	}
}

func (g *generation) segment(id uint64) *segment {
	for _, s := range g.segments {
		if s.id == id {
			return s
		}
	}
	return nil
}

func (g *generation) doc(id string) (Document, bool) {
	segID, ok := g.live[id]
	if !ok {
		return Document{}, false
	}
	seg := g.segment(segID)
	if seg == nil {
		return Document{}, false
	}
	return seg.docs.Load(id)
}

func (g *generation) hasData() bool {
	return len(g.live) > 0
}

// each visits live documents in segment order, then id order.
func (g *generation) each(fn func(Document) bool) {
	for _, seg := range g.segments {
		stop := false
		seg.docs.Range(func(id string, d Document) bool {
			if g.live[id] != seg.id {
				return true
			}
			if !fn(d) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// withSchema returns a shallow copy that shares segments.
func (g *generation) withSchema(s Schema) *generation {
	next := *g
	next.schema = s
	return &next
}

// apply builds the next generation from buffered operations.
func (g *generation) apply(ops []PendingOp) *generation {
	next := &generation{
		id:          g.id + 1,
		schema:      g.schema,
		live:        make(map[string]uint64, len(g.live)+len(ops)),
		nextSegment: g.nextSegment,
	}
	for id, seg := range g.live {
		next.live[id] = seg
	}

	var fresh *segment
	for _, op := range ops {
		if op.Delete {
			delete(next.live, op.ID)
			continue
		}
		if fresh == nil {
			fresh = newSegment(next.nextSegment)
			next.nextSegment++
		}
		fresh.docs.Store(op.ID, *op.Doc)
		next.live[op.ID] = fresh.id
	}

	segs := append([]*segment(nil), g.segments...)
	if fresh != nil {
		segs = append(segs, fresh)
	}
	next.segments = dropDead(segs, next.live)
	return next
}

// merged folds all live documents into a single segment.
func (g *generation) merged() *generation {
	next := &generation{
		id:          g.id,
		schema:      g.schema,
		live:        make(map[string]uint64, len(g.live)),
		nextSegment: g.nextSegment + 1,
	}
	seg := newSegment(g.nextSegment)
	g.each(func(d Document) bool {
		seg.docs.Store(d.ID, d)
		next.live[d.ID] = seg.id
		return true
	})
	if seg.docs.Len() > 0 {
		next.segments = []*segment{seg}
	}
	return next
}

func dropDead(segs []*segment, live map[string]uint64) []*segment {
	used := make(map[uint64]struct{}, len(segs))
	for _, segID := range live {
		used[segID] = struct{}{}
	}
	out := segs[:0]
	for _, s := range segs {
		if _, ok := used[s.id]; ok {
			out = append(out, s)
		}
	}
	return out
}
