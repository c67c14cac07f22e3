package composite

import (
	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
)

type docKey struct {
	collection string
	id         document.ID
}

// refCounter counts how many nodes currently publish each document.
type refCounter struct {
	counts map[docKey]int
}

func newRefCounter() *refCounter {
	return &refCounter{counts: make(map[docKey]int)}
}

func (r *refCounter) increment(collection string, id document.ID) (int, error) {
	if id.IsZero() {
		return 0, errors.Wrapf(errors.ErrInvalidDocumentID, "claim in %s", collection)
	}
	k := docKey{collection, id}
	r.counts[k]++
	return r.counts[k], nil
}

// decrement releases one claim. released is true only on the 1 to 0
// transition; known is false when there was no claim to release.
func (r *refCounter) decrement(collection string, id document.ID) (released, known bool, err error) {
	if id.IsZero() {
		return false, false, errors.Wrapf(errors.ErrInvalidDocumentID, "release in %s", collection)
	}
	k := docKey{collection, id}
	n, ok := r.counts[k]
	if !ok {
		return false, false, nil
	}
	if n <= 1 {
		delete(r.counts, k)
		return true, true, nil
	}
	r.counts[k] = n - 1
	return false, true, nil
}

func (r *refCounter) count(collection string, id document.ID) int {
	return r.counts[docKey{collection, id}]
}

func (r *refCounter) reset() {
	r.counts = make(map[docKey]int)
}
