// Package diff parses unified diffs into per-file bodies and compares them.
package diff

import (
	"regexp"
	"strings"
)

// Matches "diff --git a/x b/x", "diff --cc b/x" and similar tool specific headers
var fileHeaderRe = regexp.MustCompile(`^diff --\S+ (?:.* )?"?b/(.+?)"?$`)

// ParsedDiff - ordered mapping of file path to diff body text.
// The body excludes the "diff --" header itself and all "---"/"+++" lines.
type ParsedDiff struct {
	paths  []string
	bodies map[string][]string
}

// NewParsedDiff returns an empty diff
func NewParsedDiff() ParsedDiff {
	return ParsedDiff{bodies: make(map[string][]string)}
}

// IsFileHeader reports whether line starts a new file entry
func IsFileHeader(line string) bool {
	return fileHeaderRe.MatchString(line)
}

// Parse splits diff text into per-file bodies. It never fails: text before the first
// file header is collected under the anonymous path "" which callers treat as unparsable.
func Parse(text string) ParsedDiff {
	pd := NewParsedDiff()
	if text == "" {
		return pd
	}
	current := ""
	var body []string
	flush := func() {
		if current == "" && len(body) == 0 {
			return
		}
		pd.append(current, body)
		body = nil
	}
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		if path, ok := headerPath(line); ok {
			flush()
			current = path
			pd.append(current, nil)
			continue
		}
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") {
			continue
		}
		body = append(body, line)
	}
	flush()
	return pd
}

// headerPath returns the destination path of a file header line. For git headers
// whose two names are equal the split is made at the middle, so a name that
// itself contains " b/" is kept whole.
func headerPath(line string) (string, bool) {
	m := fileHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	if names := strings.TrimPrefix(line, "diff --git "); names != line {
		if path, ok := samePaths(names, "a/", " b/", ""); ok {
			return path, true
		}
		if path, ok := samePaths(names, `"a/`, `" "b/`, `"`); ok {
			return path, true
		}
	}
	return m[1], true
}

// samePaths matches prefix+N+mid+N+suffix and returns N
func samePaths(names, prefix, mid, suffix string) (string, bool) {
	n := len(names) - len(prefix) - len(mid) - len(suffix)
	if n <= 0 || n%2 != 0 {
		return "", false
	}
	n /= 2
	if !strings.HasPrefix(names, prefix) || !strings.HasSuffix(names, suffix) {
		return "", false
	}
	first := names[len(prefix) : len(prefix)+n]
	rest := names[len(prefix)+n:]
	if !strings.HasPrefix(rest, mid) {
		return "", false
	}
	second := rest[len(mid) : len(mid)+n]
	if first != second {
		return "", false
	}
	return first, true
}

func (pd *ParsedDiff) append(path string, lines []string) {
	if pd.bodies == nil {
		pd.bodies = make(map[string][]string)
	}
	if _, ok := pd.bodies[path]; !ok {
		pd.paths = append(pd.paths, path)
		pd.bodies[path] = make([]string, 0, len(lines))
	}
	pd.bodies[path] = append(pd.bodies[path], lines...)
}

// Paths returns the file paths in the order their headers appeared
func (pd ParsedDiff) Paths() []string {
	out := make([]string, len(pd.paths))
	copy(out, pd.paths)
	return out
}

// Len is the number of file entries
func (pd ParsedDiff) Len() int {
	return len(pd.paths)
}

// Has reports whether path has an entry
func (pd ParsedDiff) Has(path string) bool {
	_, ok := pd.bodies[path]
	return ok
}

// Body returns the newline joined body for path
func (pd ParsedDiff) Body(path string) (string, bool) {
	lines, ok := pd.bodies[path]
	if !ok {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

// Lines returns a copy of the body lines for path
func (pd ParsedDiff) Lines(path string) []string {
	lines := pd.bodies[path]
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

// HasAnonymous is true when text was found that did not belong to any file header
func (pd ParsedDiff) HasAnonymous() bool {
	return pd.Has("")
}
