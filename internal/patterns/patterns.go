// Package patterns caches compiled regular expressions used to match
// protected label names.
package patterns

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
)

var cache *lru.Cache[string, any]

func init() {
	var err error
	cache, err = lru.New[string, any](256)
	if err != nil {
		panic(err)
	}
}

// GetCompiled works like regexp.Compile; the compiled expr or error is cached.
func GetCompiled(expr string) (*regexp.Regexp, error) {
	if v, ok := cache.Get(expr); ok {
		switch r := v.(type) {
		case *regexp.Regexp:
			return r, nil
		case error:
			return nil, r
		}
	}
	r, err := regexp.Compile(expr)
	if err != nil {
		cache.Add(expr, err)
		return nil, err
	}
	cache.Add(expr, r)
	return r, nil
}

// Matcher reports whether a name matches any of a fixed set of expressions.
type Matcher struct {
	exprs []string
}

// NewMatcher validates exprs and returns a matcher over them.
func NewMatcher(exprs []string) (*Matcher, error) {
	for _, e := range exprs {
		if _, err := GetCompiled(e); err != nil {
			return nil, err
		}
	}
	return &Matcher{exprs: exprs}, nil
}

// Match reports whether name matches one of the expressions.
func (m *Matcher) Match(name string) bool {
	if m == nil {
		return false
	}
	for _, e := range m.exprs {
		r, err := GetCompiled(e)
		if err == nil && r.MatchString(name) {
			return true
		}
	}
	return false
}
