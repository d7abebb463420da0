package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ftsdb/pkg/fsutil"
	"ftsdb/pkg/types"
)

const generationFileName = "generation.json"

// SegmentImage lists the documents visible in one segment.
type SegmentImage struct {
	ID   uint64     `json:"id"`
	Docs []Document `json:"docs"`
}

type generationFile struct {
	Generation  types.GenerationID `json:"generation"`
	Schema      Schema             `json:"schema"`
	Segments    []SegmentImage     `json:"segments"`
	NextSegment uint64             `json:"next_segment"`
	Meta        CommitMeta         `json:"meta"`
}

func newGenerationFile(g *generation, meta CommitMeta) generationFile {
	return generationFile{
		Generation:  g.id,
		Schema:      g.schema,
		Segments:    segmentImages(g),
		NextSegment: g.nextSegment,
		Meta:        meta,
	}
}

func segmentImages(g *generation) []SegmentImage {
	out := make([]SegmentImage, 0, len(g.segments))
	for _, seg := range g.segments {
		img := SegmentImage{ID: seg.id}
		for _, d := range seg.sorted() {
			if g.live[d.ID] == seg.id {
				img.Docs = append(img.Docs, d)
			}
		}
		out = append(out, img)
	}
	return out
}

func buildGeneration(id types.GenerationID, s Schema, segs []SegmentImage, nextSegment uint64) *generation {
	g := &generation{
		id:          id,
		schema:      s,
		live:        make(map[string]uint64),
		nextSegment: nextSegment,
	}
	for _, img := range segs {
		seg := newSegment(img.ID)
		for _, d := range img.Docs {
			seg.docs.Store(d.ID, d)
			g.live[d.ID] = seg.id
		}
		g.segments = append(g.segments, seg)
		if img.ID >= g.nextSegment {
			g.nextSegment = img.ID + 1
		}
	}
	if g.nextSegment == 0 {
		g.nextSegment = 1
	}
	return g
}

func (f generationFile) toGeneration() *generation {
	return buildGeneration(f.Generation, f.Schema, f.Segments, f.NextSegment)
}

func readGeneration(dir string) (generationFile, bool, error) {
	var f generationFile

	data, err := os.ReadFile(filepath.Join(dir, generationFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, false, nil
		}
		return f, false, fmt.Errorf("read generation: %w", err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, false, fmt.Errorf("decode generation: %w", err)
	}
	return f, true, nil
}

// writeGeneration replaces the generation file atomically: temp file, fsync, rename, fsync dir.
func writeGeneration(dir string, f generationFile) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode generation: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, generationFileName), data)
}
