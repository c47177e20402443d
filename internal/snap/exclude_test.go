package snap

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestExclusionFilter_ShouldInclude(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		uploads  bool
		dirs     []string
		path     string
		want     bool
	}{
		{name: "no rules", path: "index.php", want: true},
		{name: "prefix match", patterns: []string{"cache"}, path: "cache", want: false},
		{name: "prefix descendant", patterns: []string{"cache"}, path: "cache/page.html", want: false},
		{name: "segment boundary", patterns: []string{"cache"}, path: "cachefoo", want: true},
		{name: "dot slash prefix", patterns: []string{"./cache"}, path: "cache/x", want: false},
		{name: "trailing slash", patterns: []string{"wp-content/cache/"}, path: "wp-content/cache/a", want: false},
		{name: "leading slash", patterns: []string{"/wp-content//cache"}, path: "wp-content/cache", want: false},
		{name: "nested is not top level", patterns: []string{"cache"}, path: "wp-content/cache", want: true},
		{name: "basename glob", patterns: []string{"*.log"}, path: "wp-content/debug.log", want: false},
		{name: "basename glob misses", patterns: []string{"*.log"}, path: "wp-content/debug.txt", want: true},
		{name: "path glob", patterns: []string{"wp-content/*/node_modules"}, path: "wp-content/themes/node_modules/x.js", want: false},
		{name: "glob directory excludes contents", patterns: []string{".git*"}, path: ".git/config", want: false},
		{name: "malformed glob is inert", patterns: []string{"[abc"}, path: "[abc", want: true},
		{name: "escaping pattern ignored", patterns: []string{"../etc"}, path: "etc", want: true},
		{name: "root pattern ignored", patterns: []string{"."}, path: "index.php", want: true},
		{name: "uploads shortcut", uploads: true, path: "wp-content/uploads/2025/a.jpg", want: false},
		{name: "uploads shortcut second default", uploads: true, path: "uploads/a.jpg", want: false},
		{name: "uploads shortcut keeps others", uploads: true, path: "wp-content/themes/a.css", want: true},
		{name: "uploads configured", uploads: true, dirs: []string{"media"}, path: "wp-content/uploads/a.jpg", want: true},
		{name: "uploads configured matches", uploads: true, dirs: []string{"media"}, path: "media/a.jpg", want: false},
		{name: "uploads off", path: "wp-content/uploads/a.jpg", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewExclusionFilter(tt.patterns, tt.uploads, tt.dirs...)
			if got := f.ShouldInclude(tt.path); got != tt.want {
				t.Errorf("ShouldInclude(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestExclusionFilter_Rules(t *testing.T) {
	f := NewExclusionFilter([]string{"./cache/", "", "*.log"}, true, "wp-content/uploads")
	rules := f.Rules()
	want := []ExclusionRule{
		{Pattern: "cache", Source: RuleExplicit},
		{Pattern: "*.log", Source: RuleExplicit},
		{Pattern: "wp-content/uploads", Source: RuleUploads},
	}
	if len(rules) != len(want) {
		t.Fatalf("Rules() = %+v", rules)
	}
	for i := range want {
		if rules[i].Pattern != want[i].Pattern || rules[i].Source != want[i].Source {
			t.Errorf("rule %d = %+v, want %+v", i, rules[i], want[i])
		}
	}
}

func TestNormalizePattern(t *testing.T) {
	tests := map[string]string{
		"./cache":         "cache",
		"cache/":          "cache",
		"/a//b/./c/":      "a/b/c",
		"a/../b":          "b",
		"../x":            "",
		"..":              "",
		".":               "",
		"  wp-content  ":  "wp-content",
		"":                "",
		"wp-content/*.js": "wp-content/*.js",
	}
	for in, want := range tests {
		if got := NormalizePattern(in); got != want {
			t.Errorf("NormalizePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExclusionFilter_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	segments := gen.SliceOfN(3, gen.Identifier())

	properties.Property("an excluded directory excludes everything below it", prop.ForAll(
		func(dir, rest []string) bool {
			pattern := strings.Join(dir, "/")
			f := NewExclusionFilter([]string{pattern}, false)
			return !f.ShouldInclude(pattern) && !f.ShouldInclude(pattern+"/"+strings.Join(rest, "/"))
		},
		segments, segments,
	))

	properties.Property("a pattern does not match a sibling sharing its prefix", prop.ForAll(
		func(dir []string, suffix string) bool {
			pattern := strings.Join(dir, "/")
			f := NewExclusionFilter([]string{pattern}, false)
			return f.ShouldInclude(pattern + suffix)
		},
		segments, gen.Identifier(),
	))

	properties.Property("equivalent spellings of a pattern agree", prop.ForAll(
		func(dir []string, path []string) bool {
			pattern := strings.Join(dir, "/")
			rel := strings.Join(path, "/")
			a := NewExclusionFilter([]string{pattern}, false)
			b := NewExclusionFilter([]string{"./" + pattern + "/"}, false)
			c := NewExclusionFilter([]string{"/" + strings.Join(dir, "//")}, false)
			return a.ShouldInclude(rel) == b.ShouldInclude(rel) && a.ShouldInclude(rel) == c.ShouldInclude(rel)
		},
		segments, segments,
	))

	properties.TestingRun(t)
}
