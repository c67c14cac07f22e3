// Package composite builds derived publications: trees of queries where
// each child query is parameterized by a document of its parent. Documents
// reachable through several branches are reference counted so listeners
// see one added and one removed per document.
package composite

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/xxh3"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
)

// FindFunc returns the feed a node observes. A nil feed makes the node
// inert: it publishes nothing until it is republished.
type FindFunc func(Scope) (feed.ChangeFeed, error)

// Definition describes one level of a composite publication.
type Definition struct {
	// Collection names the published documents. When empty the feed's
	// collection is used.
	Collection string
	Find       FindFunc
	// DependsOn lists the fields of this level's documents the children
	// are derived from. Changes elsewhere leave the children alone. Empty
	// means every change is relevant.
	DependsOn []string
	Children  []Definition
}

// Validate checks the definition tree.
func (d Definition) Validate() error {
	if d.Find == nil {
		return errors.NewInvalidRequestError("composite definition for %q has no find function", d.Collection)
	}
	for i, child := range d.Children {
		if err := child.Validate(); err != nil {
			return errors.Wrapf(err, "child %d", i)
		}
	}
	return nil
}

func (d Definition) dependsOn(keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	if len(d.DependsOn) == 0 {
		return true
	}
	for _, k := range keys {
		for _, dep := range d.DependsOn {
			if k == dep {
				return true
			}
		}
	}
	return false
}

// Scope is what a FindFunc is evaluated against.
type Scope struct {
	// Args are the subscription arguments.
	Args []any
	// Ancestors holds the parent documents, nearest first. Empty for roots.
	Ancestors []document.Document
}

// Parent returns the nearest ancestor.
func (s Scope) Parent() (document.Document, bool) {
	if len(s.Ancestors) == 0 {
		return document.Document{}, false
	}
	return s.Ancestors[0], true
}

func (s Scope) child(parent document.Document) Scope {
	ancestors := make([]document.Document, 0, len(s.Ancestors)+1)
	ancestors = append(ancestors, parent)
	ancestors = append(ancestors, s.Ancestors...)
	return Scope{Args: s.Args, Ancestors: ancestors}
}

// Key identifies the aggregator shared by every subscription to name with
// the same arguments.
func Key(name string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	raw, err := json.Marshal([]any{name, args})
	if err != nil {
		return "", errors.NewInvalidRequestError("arguments of %s are not serializable: %v", name, err)
	}
	sum := xxh3.Hash128(raw).Bytes()
	return hex.EncodeToString(sum[:]), nil
}
