package crawler

import (
	"fmt"
	"regexp"

	"github.com/ConstantinHildebrandt/opc-ua-node-crawler/internal/ua"
)

// Filter excludes references by browse name
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles the exclusion patterns
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// IsExcluded checks if a browse name matches any exclusion pattern
func (f *Filter) IsExcluded(browseName string) bool {
	if f == nil {
		return false
	}
	for _, pattern := range f.patterns {
		if pattern.MatchString(browseName) {
			return true
		}
	}
	return false
}

// FilterReferences drops excluded browse names and repeated targets from
// one browse result, keeping server order
func FilterReferences(refs []ua.Reference, f *Filter) []ua.Reference {
	seen := make(map[ua.NodeID]bool, len(refs))
	filtered := make([]ua.Reference, 0, len(refs))

	for _, ref := range refs {
		if ref.NodeID == "" {
			continue
		}

		if f.IsExcluded(ref.BrowseName) {
			continue
		}

		if seen[ref.NodeID] {
			continue
		}

		seen[ref.NodeID] = true
		filtered = append(filtered, ref)
	}

	return filtered
}
