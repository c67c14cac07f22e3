package feed

import (
	"github.com/teranos/batchpub/document"
)

// Transform rewrites the fields of an Added or Changed event. Returning
// false drops the event.
type Transform func(id document.ID, fields document.Fields) (document.Fields, bool)

// Middleware decorates another feed, passing Added and Changed fields
// through a Transform. It keeps its own snapshot of what it let through,
// so Changed and Removed events for dropped documents are dropped too.
type Middleware struct {
	inner     ChangeFeed
	transform Transform
	cache     *Cache
}

// NewMiddleware wraps inner.
func NewMiddleware(inner ChangeFeed, t Transform) *Middleware {
	return &Middleware{inner: inner, transform: t, cache: NewCache()}
}

func (m *Middleware) Collection() string     { return m.inner.Collection() }
func (m *Middleware) Mode() Mode             { return m.inner.Mode() }
func (m *Middleware) Snapshot() document.Set { return m.cache.Set() }

// Unwrap returns the decorated feed.
func (m *Middleware) Unwrap() ChangeFeed { return m.inner }

func (m *Middleware) Observe(h Handler) (Handle, error) {
	inner, err := m.inner.Observe(func(ev Event) {
		if out, ok := m.rewrite(ev); ok {
			h(out)
		}
	})
	if err != nil {
		return nil, err
	}
	return StopFunc(func() {
		inner.Stop()
		m.cache.Reset()
	}), nil
}

func (m *Middleware) rewrite(ev Event) (Event, bool) {
	switch ev.Kind {
	case Added:
		fields, ok := m.transform(ev.ID, ev.Fields)
		if !ok {
			return Event{}, false
		}
		ev.Fields = fields
	case Changed:
		prev, known := m.cache.Set()[ev.ID]
		if !known {
			return Event{}, false
		}
		fields, ok := m.transform(ev.ID, ev.Fields)
		if !ok {
			return Event{}, false
		}
		var cleared []string
		for _, k := range ev.Cleared {
			if _, had := prev[k]; had {
				cleared = append(cleared, k)
			}
		}
		if len(fields) == 0 && len(cleared) == 0 {
			return Event{}, false
		}
		ev.Fields, ev.Cleared = fields, cleared
	case Removed, BulkEnded:
	}
	if !m.cache.Apply(ev) {
		return Event{}, false
	}
	return ev, true
}

// Redact returns a Transform that strips the named top-level fields.
func Redact(fields ...string) Transform {
	hidden := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		hidden[f] = struct{}{}
	}
	return func(_ document.ID, in document.Fields) (document.Fields, bool) {
		out := make(document.Fields, len(in))
		for k, v := range in {
			if _, ok := hidden[k]; !ok {
				out[k] = v
			}
		}
		return out, true
	}
}
