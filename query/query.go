// Package query is the small selector subset the bundled stores evaluate:
// equality and comparison operators over dotted paths, logical
// combinators, a Go predicate escape hatch, sort, projection, skip and
// limit. It also decides whether a query can be followed incrementally and
// derives the fingerprint publications are shared by.
package query

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
)

// Selector maps field paths to literal values or operator documents, and
// "$and"/"$or"/"$nor"/"$where" to their operands.
type Selector map[string]any

// Predicate is the operand of "$where".
type Predicate func(doc document.Document) bool

// SortField orders results by one field.
type SortField struct {
	Field string `json:"field" mapstructure:"field" toml:"field"`
	Desc  bool   `json:"desc,omitempty" mapstructure:"desc" toml:"desc"`
}

// Query describes one observed result set.
type Query struct {
	Collection string
	Selector   Selector
	Sort       []SortField
	// Fields is the projection: true includes, false excludes.
	Fields map[string]bool
	Skip   int
	Limit  int
	// DisableIncremental forces polling.
	DisableIncremental bool
}

// Validate checks the collection and compiles the selector.
func (q Query) Validate() error {
	if q.Collection == "" {
		return errors.WithStack(errors.ErrMissingCollection)
	}
	if q.Skip < 0 || q.Limit < 0 {
		return errors.NewInvalidRequestError("negative skip or limit")
	}
	_, err := Compile(q.Selector)
	return err
}

// SupportsIncremental reports whether q can be followed from a change log.
// When it cannot, reason names the first offending feature.
func (q Query) SupportsIncremental() (ok bool, reason string) {
	switch {
	case q.DisableIncremental:
		return false, "incremental disabled"
	case q.Skip > 0:
		return false, "skip"
	case q.Limit > 0 && len(q.Sort) == 0:
		return false, "limit without sort"
	case mixedProjection(q.Fields):
		return false, "mixed projection"
	}
	m, err := Compile(q.Selector)
	if err != nil {
		return false, "unsupported selector"
	}
	if m.hasWhere {
		return false, "$where selector"
	}
	return true, ""
}

// Fingerprint derives the sharing key for q: a canonical JSON rendering of
// every field, hashed with xxh3-128. Predicates are identified by function
// pointer, so two closures with the same code but different captures
// collide; callers that share predicates must not depend on captured state.
func (q Query) Fingerprint() string {
	fp := struct {
		Collection string          `json:"collection"`
		Selector   any             `json:"selector"`
		Sort       []SortField     `json:"sort,omitempty"`
		Fields     map[string]bool `json:"fields,omitempty"`
		Skip       int             `json:"skip,omitempty"`
		Limit      int             `json:"limit,omitempty"`
		NoIncr     bool            `json:"noIncremental,omitempty"`
	}{
		Collection: q.Collection,
		Selector:   canonical(map[string]any(q.Selector)),
		Sort:       q.Sort,
		Fields:     q.Fields,
		Skip:       q.Skip,
		Limit:      q.Limit,
		NoIncr:     q.DisableIncremental,
	}
	raw, err := json.Marshal(fp)
	if err != nil {
		// canonical leaves only JSON-safe values; reaching here is a bug.
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "fingerprint %s", q.Collection))
	}
	sum := xxh3.Hash128(raw).Bytes()
	return hex.EncodeToString(sum[:])
}

// canonical rewrites v into JSON-safe, normalized form. encoding/json sorts
// map keys, which makes the rendering deterministic.
func canonical(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case Predicate:
		return fmt.Sprintf("$func:%x", reflect.ValueOf(x).Pointer())
	case func(document.Document) bool:
		return fmt.Sprintf("$func:%x", reflect.ValueOf(x).Pointer())
	case Selector:
		return canonical(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = canonical(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = canonical(e)
		}
		return out
	case []Selector:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = canonical(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = canonical(e)
		}
		return out
	case document.ID:
		return map[string]any{"$id": x.String()}
	}
	n := document.Normalize(v)
	if m, ok := n.(map[string]any); ok {
		return canonical(m)
	}
	if s, ok := n.([]any); ok {
		return canonical(s)
	}
	if f, ok := n.(float64); ok && f != f {
		return "$NaN"
	}
	return n
}

func mixedProjection(fields map[string]bool) bool {
	var include, exclude bool
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		if v {
			include = true
		} else {
			exclude = true
		}
	}
	return include && exclude
}

// Project applies the projection to fields. With any included field only
// included fields survive; otherwise excluded fields are dropped.
func (q Query) Project(fields document.Fields) document.Fields {
	if len(q.Fields) == 0 {
		return fields.Clone()
	}
	include := false
	for k, v := range q.Fields {
		if v && k != "_id" {
			include = true
			break
		}
	}
	out := make(document.Fields, len(fields))
	for k, v := range fields {
		keep, listed := q.Fields[k]
		if include && listed && keep || !include && !(listed && !keep) {
			out[k] = v
		}
	}
	return out.Clone()
}

// Apply filters, sorts, skips, limits and projects docs.
func (q Query) Apply(docs []document.Document) ([]document.Document, error) {
	m, err := Compile(q.Selector)
	if err != nil {
		return nil, err
	}
	out := make([]document.Document, 0, len(docs))
	for _, d := range docs {
		if m.Match(d) {
			out = append(out, d)
		}
	}
	q.SortDocuments(out)
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			out = out[:0]
		} else {
			out = out[q.Skip:]
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i := range out {
		out[i] = document.Document{ID: out[i].ID, Fields: q.Project(out[i].Fields)}
	}
	return out, nil
}

// SortDocuments orders docs by q.Sort, breaking ties by id.
func (q Query) SortDocuments(docs []document.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, sf := range q.Sort {
			a, _ := lookup(docs[i], sf.Field)
			b, _ := lookup(docs[j], sf.Field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if sf.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID.String() < docs[j].ID.String()
	})
}
