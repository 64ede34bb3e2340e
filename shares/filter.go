package shares

import (
	"fmt"
	"regexp"
)

// Filters is a compiled set of exclusion patterns applied to directory and
// file paths during a scan. A nil *Filters matches nothing.
type Filters struct {
	res []*regexp.Regexp
}

// CompileFilters compiles the given regular expressions.
func CompileFilters(patterns []string) (*Filters, error) {
	f := &Filters{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad share filter %q: %w", p, err)
		}
		f.res = append(f.res, re)
	}
	return f, nil
}

// Match reports whether any filter matches path.
func (f *Filters) Match(path string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.res {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
