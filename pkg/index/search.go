package index

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"ftsdb/pkg/types"
)

const defaultLimit = 10

// Query is a conjunction of terms. A term is either a bare word matched
// against every text field, or "field:value" matched against one field.
type Query struct {
	Text          string   `json:"q"`
	From          int      `json:"from,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	FacetField    string   `json:"facet_field,omitempty"`
	FacetPrefixes []string `json:"facet_prefixes,omitempty"`
	ExcludeCount  bool     `json:"exclude_count,omitempty"`
	ExcludeDocs   bool     `json:"exclude_docs,omitempty"`
}

type Hit struct {
	ID     string         `json:"id"`
	Score  float64        `json:"score"`
	Fields map[string]any `json:"fields"`
}

type SearchResult struct {
	Generation types.GenerationID        `json:"generation"`
	Count      *int                      `json:"count,omitempty"`
	Docs       []Hit                     `json:"docs,omitempty"`
	Facets     map[string]map[string]int `json:"facets,omitempty"`
}

type clause struct {
	field string
	value string
}

func parseQuery(text string) []clause {
	var out []clause
	for _, word := range strings.Fields(text) {
		if field, value, ok := strings.Cut(word, ":"); ok && field != "" && value != "" {
			out = append(out, clause{field: field, value: value})
			continue
		}
		for _, tok := range tokenize(word) {
			out = append(out, clause{value: tok})
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// termFreq returns how often the clause occurs in the document, 0 means no match.
func termFreq(s Schema, d Document, c clause) int {
	if c.field != "" {
		spec, ok := s.Field(c.field)
		if !ok {
			return 0
		}
		return fieldFreq(spec, d.Fields[c.field], c.value)
	}

	n := 0
	for _, spec := range s.Fields {
		if spec.Type == FieldText && spec.Indexed {
			n += fieldFreq(spec, d.Fields[spec.Name], c.value)
		}
	}
	return n
}

func fieldFreq(spec FieldSpec, v any, want string) int {
	if v == nil {
		return 0
	}
	switch spec.Type {
	case FieldText:
		s, _ := v.(string)
		toks := tokenize(want)
		if len(toks) != 1 {
			return 0
		}
		n := 0
		for _, tok := range tokenize(s) {
			if tok == toks[0] {
				n++
			}
		}
		return n
	case FieldKeyword:
		if s, _ := v.(string); s == want {
			return 1
		}
	case FieldFacet:
		if s, _ := v.(string); s == want || strings.HasPrefix(s, strings.TrimSuffix(want, "/")+"/") {
			return 1
		}
	case FieldInt, FieldFloat:
		f, _ := v.(float64)
		if strconv.FormatFloat(f, 'f', -1, 64) == want {
			return 1
		}
	}
	return 0
}

type match struct {
	doc   Document
	freqs []int
}

func (g *generation) matches(clauses []clause) []match {
	var out []match
	g.each(func(d Document) bool {
		freqs := make([]int, len(clauses))
		for i, c := range clauses {
			freqs[i] = termFreq(g.schema, d, c)
			if freqs[i] == 0 {
				return true
			}
		}
		out = append(out, match{doc: d, freqs: freqs})
		return true
	})
	return out
}

// Search runs the query against the last committed generation.
func (ix *Index) Search(q Query) SearchResult {
	g := ix.committed.Load()
	clauses := parseQuery(q.Text)
	found := g.matches(clauses)

	res := SearchResult{Generation: g.id}
	if !q.ExcludeCount {
		n := len(found)
		res.Count = &n
	}
	if q.FacetField != "" {
		res.Facets = facetCounts(found, q.FacetField, q.FacetPrefixes)
	}
	if q.ExcludeDocs {
		return res
	}

	total := len(g.live)
	df := make([]int, len(clauses))
	for _, m := range found {
		for i := range clauses {
			if m.freqs[i] > 0 {
				df[i]++
			}
		}
	}

	hits := make([]Hit, 0, len(found))
	for _, m := range found {
		var score float64
		for i, tf := range m.freqs {
			idf := math.Log(1 + float64(total)/float64(df[i]))
			score += math.Sqrt(float64(tf)) * idf
		}
		stored := m.doc.stored(g.schema)
		hits = append(hits, Hit{ID: m.doc.ID, Score: score, Fields: stored.Fields})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	from := min(max(q.From, 0), len(hits))
	to := from + min(limit, len(hits)-from)
	res.Docs = hits[from:to]
	return res
}

// Count returns the number of committed documents matching the query.
func (ix *Index) Count(q Query) int {
	return len(ix.committed.Load().matches(parseQuery(q.Text)))
}

// facetCounts counts, for each prefix, matching documents by the path
// component directly below it. "/a" with value "/a/b/c" counts "/a/b".
func facetCounts(found []match, field string, prefixes []string) map[string]map[string]int {
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}

	out := make(map[string]map[string]int, len(prefixes))
	for _, prefix := range prefixes {
		base := strings.TrimSuffix(prefix, "/")
		counts := make(map[string]int)
		for _, m := range found {
			v, _ := m.doc.Fields[field].(string)
			if !strings.HasPrefix(v, base+"/") {
				continue
			}
			rest := strings.TrimPrefix(v, base+"/")
			child, _, _ := strings.Cut(rest, "/")
			if child == "" {
				continue
			}
			counts[base+"/"+child]++
		}
		out[prefix] = counts
	}
	return out
}
