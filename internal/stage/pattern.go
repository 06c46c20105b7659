package stage

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/moby/patternmatcher"
)

// ValidatePattern checks that p is a usable relative artifact pattern.
func ValidatePattern(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("pattern must not be empty")
	}
	if path.IsAbs(p) || strings.HasPrefix(p, "!") {
		return fmt.Errorf("pattern %q must be relative and must not start with '!'", p)
	}
	for _, seg := range strings.Split(path.Clean(p), "/") {
		if seg == ".." {
			return fmt.Errorf("pattern %q escapes the workspace", p)
		}
	}
	if _, err := patternmatcher.New([]string{p}); err != nil {
		return fmt.Errorf("pattern %q: %w", p, err)
	}
	return nil
}

// ValidateDir checks an optional workspace-relative directory. Empty is
// valid.
func ValidateDir(dir string) error {
	if dir == "" {
		return nil
	}
	if path.IsAbs(dir) || strings.HasPrefix(dir, "!") {
		return fmt.Errorf("directory %q must be relative", dir)
	}
	for _, seg := range strings.Split(path.Clean(dir), "/") {
		if seg == ".." {
			return fmt.Errorf("directory %q escapes the workspace", dir)
		}
		if hasMeta(seg) {
			return fmt.Errorf("directory %q must not contain wildcards", dir)
		}
	}
	return nil
}

// Base returns the leading segments of pattern that contain no wildcards.
func Base(pattern string) string {
	segs := split(pattern)
	n := 0
	for n < len(segs) && !hasMeta(segs[n]) {
		n++
	}
	return strings.Join(segs[:n], "/")
}

// Rebase maps rel, a path selected by pattern, to its place below dir. The
// part of rel under the literal prefix of pattern is kept. A literal pattern
// that names rel itself keeps only the file name.
func Rebase(rel, pattern, dir string) string {
	base := Base(pattern)
	if rel == base {
		base = path.Dir(base)
	}
	rest := rel
	if base != "" && base != "." {
		rest = strings.TrimPrefix(rel, base+"/")
	}
	return path.Join(dir, rest)
}

// Overlaps reports whether some path could be matched by both a and b.
// Patterns are compared segment by segment; "**" spans any number of
// segments. Two wildcard segments are assumed to overlap.
func Overlaps(a, b string) bool {
	return overlapSegments(split(a), split(b))
}

func split(p string) []string {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	if p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

func overlapSegments(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) > 0 && a[0] == "**" {
		if overlapSegments(a[1:], b) {
			return true
		}
		return len(b) > 0 && overlapSegments(a, b[1:])
	}
	if len(b) > 0 && b[0] == "**" {
		if overlapSegments(a, b[1:]) {
			return true
		}
		return len(a) > 0 && overlapSegments(a[1:], b)
	}
	if len(a) == 0 || len(b) == 0 {
		// A pattern naming a directory also selects everything below it.
		return true
	}
	return overlapSegment(a[0], b[0]) && overlapSegments(a[1:], b[1:])
}

func overlapSegment(x, y string) bool {
	if x == y {
		return true
	}
	xMeta, yMeta := hasMeta(x), hasMeta(y)
	switch {
	case !xMeta && !yMeta:
		return false
	case !xMeta:
		ok, _ := path.Match(y, x)
		return ok
	case !yMeta:
		ok, _ := path.Match(x, y)
		return ok
	default:
		return true
	}
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[\`)
}
