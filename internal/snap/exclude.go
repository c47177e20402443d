package snap

import (
	"path"
	"path/filepath"
	"strings"
)

// DefaultUploadsDirs are implied by the exclude-uploads shortcut when no
// uploads directory is configured.
var DefaultUploadsDirs = []string{"wp-content/uploads", "uploads"}

// RuleSource tells where an exclusion rule came from.
type RuleSource string

const (
	RuleExplicit RuleSource = "explicit"
	RuleUploads  RuleSource = "uploads"
)

// ExclusionRule is a normalized pattern and its source.
type ExclusionRule struct {
	Pattern string
	Source  RuleSource
	glob    bool
	base    bool // glob without '/', matched against the basename
}

// ExclusionFilter decides which relative paths are captured.
// Patterns match as a path prefix on segment boundaries ("cache" matches
// "cache" and "cache/x" but not "cachefoo") or as a glob over the whole path.
// Globs without '/' match the basename. Malformed globs match nothing.
type ExclusionFilter struct {
	rules []ExclusionRule
}

var _ Filter = (*ExclusionFilter)(nil)

// NewExclusionFilter builds a filter from explicit patterns. When excludeUploads
// is set, each uploads directory becomes an implicit rule; an empty uploadsDirs
// means DefaultUploadsDirs.
func NewExclusionFilter(patterns []string, excludeUploads bool, uploadsDirs ...string) *ExclusionFilter {
	f := &ExclusionFilter{}
	for _, p := range patterns {
		f.add(p, RuleExplicit)
	}
	if excludeUploads {
		if len(uploadsDirs) == 0 {
			uploadsDirs = DefaultUploadsDirs
		}
		for _, p := range uploadsDirs {
			f.add(p, RuleUploads)
		}
	}
	return f
}

func (f *ExclusionFilter) add(raw string, source RuleSource) {
	pattern := NormalizePattern(raw)
	if pattern == "" {
		return
	}
	glob := strings.ContainsAny(pattern, "*?[")
	f.rules = append(f.rules, ExclusionRule{
		Pattern: pattern,
		Source:  source,
		glob:    glob,
		base:    glob && !strings.Contains(pattern, "/"),
	})
}

// Rules returns the normalized rules in evaluation order.
func (f *ExclusionFilter) Rules() []ExclusionRule {
	return append([]ExclusionRule(nil), f.rules...)
}

// ShouldInclude reports whether relativePath is captured.
func (f *ExclusionFilter) ShouldInclude(relativePath string) bool {
	rel := NormalizePattern(relativePath)
	if rel == "" {
		return true
	}
	for _, r := range f.rules {
		if r.matches(rel) {
			return false
		}
	}
	return true
}

func (r ExclusionRule) matches(rel string) bool {
	if !r.glob {
		return rel == r.Pattern || strings.HasPrefix(rel, r.Pattern+"/")
	}
	target := rel
	if r.base {
		target = path.Base(rel)
	}
	matched, err := path.Match(r.Pattern, target)
	if err != nil {
		return false
	}
	if matched {
		return true
	}
	// A glob naming a directory also excludes everything below it.
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		t := dir
		if r.base {
			t = path.Base(dir)
		}
		if ok, _ := path.Match(r.Pattern, t); ok {
			return true
		}
	}
	return false
}

// NormalizePattern converts a path or pattern to the canonical form used for
// comparison: slash separated, no leading "./" or "/", no "." segments, no
// trailing or duplicate slashes. A pattern escaping the root ("../x") or
// naming the root itself normalizes to "".
func NormalizePattern(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" {
		return ""
	}
	p = path.Clean(strings.TrimLeft(p, "/"))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}
