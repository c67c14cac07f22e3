package engine

import (
	"encoding/json"
	"strings"

	"github.com/teranos/batchpub/client"
	"github.com/teranos/batchpub/composite"
	"github.com/teranos/batchpub/config"
	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/query"
)

// Declare registers every configured publication. Publications with
// children become composite publications over the engine store,
// publications with an upstream relay another server, the rest are batch
// publications.
func (e *Engine) Declare(pubs []config.PublicationConfig) error {
	for _, p := range pubs {
		var err error
		switch {
		case p.Upstream != nil:
			err = e.PublishCollection(p.Name, e.upstreamSpec(p))
		case len(p.Children) > 0:
			var spec CompositeSpec
			if spec, err = e.compositeSpec(p); err == nil {
				err = e.PublishComposite(p.Name, spec)
			}
		default:
			err = e.PublishCollection(p.Name, BatchSpec{Query: p.Query(), Redact: p.Redact})
		}
		if err != nil {
			return errors.Wrapf(err, "declare publication %s", p.Name)
		}
	}
	e.log.Infow("Publications declared", logger.FieldCount, len(pubs))
	return nil
}

func (e *Engine) upstreamSpec(p config.PublicationConfig) BatchSpec {
	up := *p.Upstream
	params, _ := json.Marshal(up.Params)
	return BatchSpec{
		Query:  query.Query{Collection: p.Collection},
		Redact: p.Redact,
		Key:    "remote:" + up.URL + "/" + up.Publication + ":" + string(params),
		Feed: func(query.Query) (feed.ChangeFeed, error) {
			return client.NewRemoteFeed(client.RemoteOptions{
				URL:         up.URL,
				Publication: up.Publication,
				Params:      up.Params,
				Collection:  p.Collection,
				Scheduler:   e.exec,
				Logger:      e.log,
			}), nil
		},
	}
}

func (e *Engine) compositeSpec(p config.PublicationConfig) (CompositeSpec, error) {
	if e.store == nil {
		return CompositeSpec{}, errors.NewInvalidRequestError("composite publication %s needs the engine store", p.Name)
	}
	root := p.Query()
	if err := root.Validate(); err != nil {
		return CompositeSpec{}, err
	}
	def := composite.Definition{
		Collection: p.Collection,
		Find: func(composite.Scope) (feed.ChangeFeed, error) {
			return e.storeFeed(root, p.Redact)
		},
		DependsOn: childDependencies(p.Children),
	}
	for _, c := range p.Children {
		def.Children = append(def.Children, e.childDefinition(c, p.Redact))
	}
	if err := def.Validate(); err != nil {
		return CompositeSpec{}, err
	}
	return CompositeSpec{Roots: StaticRoots(def)}, nil
}

func (e *Engine) childDefinition(c config.ChildConfig, redact []string) composite.Definition {
	def := composite.Definition{
		Collection: c.Collection,
		Find: func(s composite.Scope) (feed.ChangeFeed, error) {
			parent, _ := s.Parent()
			sel, ok := childSelector(c, parent)
			if !ok {
				return nil, nil
			}
			return e.storeFeed(query.Query{Collection: c.Collection, Selector: sel}, redact)
		},
		DependsOn: childDependencies(c.Children),
	}
	for _, gc := range c.Children {
		def.Children = append(def.Children, e.childDefinition(gc, redact))
	}
	return def
}

func (e *Engine) storeFeed(q query.Query, redact []string) (feed.ChangeFeed, error) {
	f, err := e.store.Feed(q)
	if err != nil {
		return nil, err
	}
	if len(redact) > 0 {
		f = feed.NewMiddleware(f, feed.Redact(redact...))
	}
	return f, nil
}

// childSelector matches the child's foreign field against the parent's
// local field. A missing or null reference selects nothing; an array
// reference matches any of its elements. References are always operands of
// $eq or $in, so a document value is compared as a literal and never read
// as an operator.
func childSelector(c config.ChildConfig, parent document.Document) (query.Selector, bool) {
	var ref any
	if c.LocalField == "_id" {
		ref = parent.ID.Raw()
	} else {
		v, ok := parent.Fields.Get(c.LocalField)
		if !ok {
			return nil, false
		}
		ref = v
	}
	if ref == nil {
		return nil, false
	}
	sel := make(query.Selector, len(c.Selector)+1)
	for k, v := range c.Selector {
		sel[k] = v
	}
	if arr, ok := ref.([]any); ok {
		sel[c.ForeignField] = map[string]any{"$in": arr}
	} else {
		sel[c.ForeignField] = map[string]any{"$eq": ref}
	}
	return sel, true
}

// childDependencies lists the parent fields the children are derived from.
// A child keyed on "_id" never needs rederiving.
func childDependencies(children []config.ChildConfig) []string {
	if len(children) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var deps []string
	add := func(f string) {
		// Changes are reported per top-level field.
		f, _, _ = strings.Cut(f, ".")
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			deps = append(deps, f)
		}
	}
	for _, c := range children {
		if len(c.DependsOn) > 0 {
			for _, f := range c.DependsOn {
				add(f)
			}
			continue
		}
		add(c.LocalField)
	}
	return deps
}
