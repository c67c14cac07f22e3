package document

import "sort"

// Document pairs an id with its fields.
type Document struct {
	ID     ID
	Fields Fields
}

// Set maps ids to fields; it is the materialized snapshot of a feed.
type Set map[ID]Fields

// IDs returns the ids sorted by canonical string, so iteration is
// deterministic.
func (s Set) IDs() []ID {
	ids := make([]ID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// Clone returns a deep copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, f := range s {
		out[id] = f.Clone()
	}
	return out
}

// Documents returns the set as documents in IDs order.
func (s Set) Documents() []Document {
	docs := make([]Document, 0, len(s))
	for _, id := range s.IDs() {
		docs = append(docs, Document{ID: id, Fields: s[id]})
	}
	return docs
}

// SortIDs sorts ids in place by canonical string.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
