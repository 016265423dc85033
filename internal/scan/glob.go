package scan

import (
	"path"
	"strings"
)

// GlobRule is one entry of an ordered include/exclude rule list (spec.md
// §4.3, §6). Rules are evaluated in order against the source-relative match
// path; the last rule that matches wins. Absent any match, the default is
// include, mirroring the original's filter semantics in forward.cc.
type GlobRule struct {
	Pattern string
	Include bool
}

// evaluateGlobs walks rules in order and returns the include/exclude
// decision of the last matching rule, or true (include) if none match.
func evaluateGlobs(rules []GlobRule, matchPath string) bool {
	include := true
	for _, r := range rules {
		if globMatch(r.Pattern, matchPath) {
			include = r.Include
		}
	}
	return include
}

// matchAny reports whether matchPath matches any of the given glob patterns,
// used for the content-split-large hint (spec.md §4.6).
func matchAny(patterns []string, matchPath string) bool {
	for _, p := range patterns {
		if globMatch(p, matchPath) {
			return true
		}
	}
	return false
}

// globMatch supports a leading "**/" (match at any depth) and "**" as a path
// segment wildcard, on top of path.Match's shell-style "*"/"?"/"[...]"
// within a single segment. Patterns without "**" are matched against the
// full match path with path.Match directly.
func globMatch(pattern, matchPath string) bool {
	if strings.HasPrefix(pattern, "**/") {
		rest := pattern[len("**/"):]
		// "**/" matches zero or more leading path segments: try matching
		// rest against every suffix of matchPath that starts a segment.
		if globMatch(rest, matchPath) {
			return true
		}
		segs := strings.Split(strings.TrimPrefix(matchPath, "/"), "/")
		for i := 0; i < len(segs); i++ {
			suffix := strings.Join(segs[i:], "/")
			if globMatch(rest, suffix) {
				return true
			}
		}
		return false
	}

	if strings.Contains(pattern, "**") {
		// A "**" elsewhere in the pattern matches across segment
		// boundaries; reduce to a simple containment check on the
		// literal halves either side of it.
		parts := strings.SplitN(pattern, "**", 2)
		return strings.HasPrefix(matchPath, parts[0]) && strings.HasSuffix(matchPath, parts[1])
	}

	if ok, err := path.Match(pattern, matchPath); err == nil && ok {
		return true
	}

	// Directories are matched with their synthetic trailing slash; also
	// allow a pattern without a trailing slash to match the bare name.
	if strings.HasSuffix(matchPath, "/") {
		if ok, err := path.Match(pattern, strings.TrimSuffix(matchPath, "/")); err == nil && ok {
			return true
		}
	}

	return false
}
