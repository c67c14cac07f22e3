package query

import (
	"regexp"
	"strings"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
)

// Matcher is a compiled selector.
type Matcher struct {
	root     clause
	hasWhere bool
}

type clause func(doc document.Document) bool

// Compile parses sel. Unknown operators are an invalid request.
func Compile(sel Selector) (*Matcher, error) {
	m := &Matcher{}
	root, err := m.compileDoc(map[string]any(sel))
	if err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

// Match reports whether doc satisfies the selector.
func (m *Matcher) Match(doc document.Document) bool { return m.root(doc) }

// HasWhere reports whether the selector uses a Go predicate.
func (m *Matcher) HasWhere() bool { return m.hasWhere }

func (m *Matcher) compileDoc(sel map[string]any) (clause, error) {
	var clauses []clause
	for key, operand := range sel {
		var (
			c   clause
			err error
		)
		switch key {
		case "$and", "$or", "$nor":
			c, err = m.compileLogical(key, operand)
		case "$where":
			c, err = m.compileWhere(operand)
		default:
			if strings.HasPrefix(key, "$") {
				return nil, errors.NewInvalidRequestError("unsupported top-level operator %s", key)
			}
			c, err = m.compileField(key, operand)
		}
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	return func(doc document.Document) bool {
		for _, c := range clauses {
			if !c(doc) {
				return false
			}
		}
		return true
	}, nil
}

func (m *Matcher) compileLogical(op string, operand any) (clause, error) {
	subs, err := selectorList(operand)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", op)
	}
	if len(subs) == 0 {
		return nil, errors.NewInvalidRequestError("%s needs a non-empty array", op)
	}
	compiled := make([]clause, 0, len(subs))
	for _, s := range subs {
		c, err := m.compileDoc(s)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}
	switch op {
	case "$and":
		return func(doc document.Document) bool {
			for _, c := range compiled {
				if !c(doc) {
					return false
				}
			}
			return true
		}, nil
	case "$or":
		return func(doc document.Document) bool {
			for _, c := range compiled {
				if c(doc) {
					return true
				}
			}
			return false
		}, nil
	default:
		return func(doc document.Document) bool {
			for _, c := range compiled {
				if c(doc) {
					return false
				}
			}
			return true
		}, nil
	}
}

func selectorList(operand any) ([]map[string]any, error) {
	switch x := operand.(type) {
	case []Selector:
		out := make([]map[string]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		return x, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			s, ok := asMap(e)
			if !ok {
				return nil, errors.NewInvalidRequestError("expected selector, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.NewInvalidRequestError("expected array of selectors, got %T", operand)
}

func (m *Matcher) compileWhere(operand any) (clause, error) {
	var fn Predicate
	switch x := operand.(type) {
	case Predicate:
		fn = x
	case func(document.Document) bool:
		fn = x
	default:
		return nil, errors.NewInvalidRequestError("$where needs a predicate, got %T", operand)
	}
	if fn == nil {
		return nil, errors.NewInvalidRequestError("$where predicate is nil")
	}
	m.hasWhere = true
	return clause(fn), nil
}

func (m *Matcher) compileField(path string, operand any) (clause, error) {
	ops, isOps := operatorDoc(operand)
	if !isOps {
		want := literal(operand)
		return func(doc document.Document) bool {
			v, ok := lookup(doc, path)
			return ok && equalsOrContains(v, want)
		}, nil
	}

	var tests []func(v any, present bool) bool
	for op, arg := range ops {
		t, err := compileOp(op, arg)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", path)
		}
		tests = append(tests, t)
	}
	return func(doc document.Document) bool {
		v, ok := lookup(doc, path)
		for _, t := range tests {
			if !t(v, ok) {
				return false
			}
		}
		return true
	}, nil
}

func compileOp(op string, arg any) (func(v any, present bool) bool, error) {
	switch op {
	case "$eq":
		want := literal(arg)
		return func(v any, ok bool) bool { return ok && equalsOrContains(v, want) }, nil
	case "$ne":
		want := literal(arg)
		return func(v any, ok bool) bool { return !ok || !equalsOrContains(v, want) }, nil
	case "$gt", "$gte", "$lt", "$lte":
		want := literal(arg)
		return func(v any, ok bool) bool {
			return ok && anyElement(v, func(e any) bool { return ordered(op, e, want) })
		}, nil
	case "$in", "$nin":
		list, ok := literal(arg).([]any)
		if !ok {
			return nil, errors.NewInvalidRequestError("%s needs an array", op)
		}
		in := func(v any, present bool) bool {
			if !present {
				return false
			}
			for _, want := range list {
				if equalsOrContains(v, want) {
					return true
				}
			}
			return false
		}
		if op == "$in" {
			return in, nil
		}
		return func(v any, present bool) bool { return !in(v, present) }, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return nil, errors.NewInvalidRequestError("$exists needs a boolean")
		}
		return func(_ any, present bool) bool { return present == want }, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return nil, errors.NewInvalidRequestError("$regex needs a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
		return func(v any, ok bool) bool {
			return ok && anyElement(v, func(e any) bool {
				s, isStr := e.(string)
				return isStr && re.MatchString(s)
			})
		}, nil
	case "$not":
		sub, ok := operatorDoc(arg)
		if !ok {
			return nil, errors.NewInvalidRequestError("$not needs an operator document")
		}
		var tests []func(any, bool) bool
		for subOp, subArg := range sub {
			t, err := compileOp(subOp, subArg)
			if err != nil {
				return nil, err
			}
			tests = append(tests, t)
		}
		return func(v any, ok bool) bool {
			for _, t := range tests {
				if !t(v, ok) {
					return true
				}
			}
			return false
		}, nil
	}
	return nil, errors.NewInvalidRequestError("unsupported operator %s", op)
}

// operatorDoc reports whether v is a map whose keys all start with "$".
func operatorDoc(v any) (map[string]any, bool) {
	mv, ok := asMap(v)
	if !ok || len(mv) == 0 {
		return nil, false
	}
	for k := range mv {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return mv, true
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case Selector:
		return x, true
	case document.Fields:
		return x, true
	}
	return nil, false
}

// literal normalizes an operand; ids compare by their native value.
func literal(v any) any {
	if id, ok := v.(document.ID); ok {
		return id.Raw()
	}
	if ids, ok := v.([]document.ID); ok {
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = id.Raw()
		}
		return out
	}
	return document.Normalize(v)
}

// lookup resolves path in doc; "_id" is the document id.
func lookup(doc document.Document, path string) (any, bool) {
	if path == "_id" {
		return doc.ID.Raw(), !doc.ID.IsZero()
	}
	v, ok := doc.Fields.Get(path)
	if !ok {
		return nil, false
	}
	return document.Normalize(v), true
}

func equalsOrContains(v, want any) bool {
	if document.Equal(v, want) {
		return true
	}
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			if document.Equal(e, want) {
				return true
			}
		}
	}
	return false
}

func anyElement(v any, fn func(any) bool) bool {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			if fn(e) {
				return true
			}
		}
		return false
	}
	return fn(v)
}

func ordered(op string, v, want any) bool {
	if typeRank(v) != typeRank(want) {
		return false
	}
	c := compareValues(v, want)
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	default:
		return c <= 0
	}
}
