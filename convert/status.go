package convert

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rcowham/gitp4sync/diff"
)

// ParseGitStatus reads `git status --porcelain` output. Untracked and ignored
// entries are skipped.
func ParseGitStatus(porcelain string) ([]diff.FileChange, error) {
	changes := make([]diff.FileChange, 0)
	for _, line := range strings.Split(porcelain, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if len(line) < 4 || line[2] != ' ' {
			return nil, errors.Errorf("unexpected status line %q", line)
		}
		code, rest := line[:2], unquote(line[3:])
		if code == "??" || code == "!!" {
			continue
		}
		src, dst := "", rest
		if i := strings.Index(rest, " -> "); i >= 0 {
			src, dst = unquote(rest[:i]), unquote(rest[i+4:])
		}
		switch {
		case code == "AM":
			changes = append(changes, diff.NewFileChange(diff.AddedAndModified, dst))
		case code[0] == 'A':
			changes = append(changes, diff.NewFileChange(diff.Added, dst))
		case code[0] == 'R':
			changes = append(changes, diff.NewMoveChange(diff.Renamed, src, dst))
		case code[0] == 'C':
			changes = append(changes, diff.NewMoveChange(diff.Copied, src, dst))
		case code[0] == 'D' || code[1] == 'D':
			changes = append(changes, diff.NewFileChange(diff.Deleted, dst))
		case code[0] == 'M' || code[1] == 'M' || code[0] == 'T' || code[1] == 'T':
			changes = append(changes, diff.NewFileChange(diff.Modified, dst))
		default:
			return nil, errors.Errorf("unknown status %q for %s", code, dst)
		}
	}
	return changes, nil
}

func unquote(s string) string {
	if strings.HasPrefix(s, `"`) {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
	}
	return s
}
