// Package classifier decides whether a failure is worth retrying.
//
// Verdicts are resolved in this order:
//
//  1. a nil error gets the default verdict;
//  2. an explicit verdict registered for the exact dynamic type of an error in
//     the chain (SetType) wins over everything else;
//  3. an error in the chain that declares its own Category (RetryCategory)
//     gets the verdict registered for that category;
//  4. ordered rules (AddType, AddMatcher) are evaluated in registration order
//     and the first match wins;
//  5. otherwise the default verdict.
//
// Go has no class hierarchy, so "subtype of a registered type" means: some
// error in the Unwrap chain has exactly that type, or the registered type is
// an interface the error implements.
package classifier

import (
	"reflect"
	"sync"
)

// Category is a static failure kind an error declares about itself.
type Category string

// Categorized is implemented by errors that carry their own Category.
type Categorized interface {
	RetryCategory() Category
}

type rule struct {
	typ     reflect.Type
	match   func(error) bool
	verdict bool
}

func (r rule) matches(err error) bool {
	if r.typ == nil {
		return r.match(err)
	}
	return walk(err, func(e error) bool {
		return typeMatches(reflect.TypeOf(e), r.typ)
	})
}

// Classifier maps failures to a retryable verdict. Safe for concurrent use.
type Classifier struct {
	mu         sync.RWMutex
	def        bool
	exact      map[reflect.Type]bool
	categories map[Category]bool
	rules      []rule

	// memo caches verdicts of leaf errors resolved through a type rule,
	// keyed by exact dynamic type.
	memo sync.Map
}

// New creates a classifier returning defaultVerdict for unmatched failures.
func New(defaultVerdict bool) *Classifier {
	return &Classifier{
		def:        defaultVerdict,
		exact:      make(map[reflect.Type]bool),
		categories: make(map[Category]bool),
	}
}

// Default returns the verdict used for nil and unmatched failures.
func (c *Classifier) Default() bool {
	return c.def
}

// SetType registers a verdict for errors whose dynamic type is exactly t.
func (c *Classifier) SetType(t reflect.Type, verdict bool) *Classifier {
	c.mu.Lock()
	c.exact[t] = verdict
	c.memo.Clear()
	c.mu.Unlock()
	return c
}

// SetCategory registers a verdict for errors declaring category cat.
func (c *Classifier) SetCategory(cat Category, verdict bool) *Classifier {
	c.mu.Lock()
	c.categories[cat] = verdict
	c.memo.Clear()
	c.mu.Unlock()
	return c
}

// AddType appends an ordered rule matching errors of type t, or implementing
// t when t is an interface type.
func (c *Classifier) AddType(t reflect.Type, verdict bool) *Classifier {
	c.mu.Lock()
	c.rules = append(c.rules, rule{typ: t, verdict: verdict})
	c.memo.Clear()
	c.mu.Unlock()
	return c
}

// AddMatcher appends an ordered rule backed by an arbitrary predicate, for
// example errors.Is against a sentinel.
func (c *Classifier) AddMatcher(match func(error) bool, verdict bool) *Classifier {
	c.mu.Lock()
	c.rules = append(c.rules, rule{match: match, verdict: verdict})
	c.memo.Clear()
	c.mu.Unlock()
	return c
}

// Reset drops every memoised verdict.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memo.Clear()
}

// Classify reports whether err should be retried.
func (c *Classifier) Classify(err error) bool {
	if err == nil {
		return c.def
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	outer := reflect.TypeOf(err)
	if v, ok := c.exact[outer]; ok {
		return v
	}
	if v, ok := c.memo.Load(outer); ok {
		return v.(bool)
	}

	var (
		verdict bool
		found   bool
	)
	walk(err, func(e error) bool {
		verdict, found = c.exact[reflect.TypeOf(e)]
		return found
	})
	if found {
		return verdict
	}

	walk(err, func(e error) bool {
		if cat, ok := e.(Categorized); ok {
			verdict, found = c.categories[cat.RetryCategory()]
		}
		return found
	})
	if found {
		return verdict
	}

	for _, r := range c.rules {
		if !r.matches(err) {
			continue
		}
		if r.typ != nil && isLeaf(err) {
			c.memo.Store(outer, r.verdict)
		}
		return r.verdict
	}

	return c.def
}

func typeMatches(actual, registered reflect.Type) bool {
	if actual == registered {
		return true
	}
	return registered.Kind() == reflect.Interface && actual.Implements(registered)
}

// isLeaf reports whether err's verdict depends on nothing but its type.
func isLeaf(err error) bool {
	switch err.(type) {
	case interface{ Unwrap() error }, interface{ Unwrap() []error }, Categorized:
		return false
	}
	return true
}

// walk visits err and everything it wraps, depth first, until fn returns true.
func walk(err error, fn func(error) bool) bool {
	if err == nil {
		return false
	}
	if fn(err) {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() error }:
		return walk(x.Unwrap(), fn)
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if walk(e, fn) {
				return true
			}
		}
	}
	return false
}
