package convert

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/pkg/errors"

	"github.com/rcowham/gitp4sync/diff"
)

const regularFileMode = os.FileMode(0100644)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@ ?(.*)$`)

// ParseGitDiff parses git diff output into files
func ParseGitDiff(gitDiff string) ([]*gitdiff.File, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(gitDiff))
	if err != nil {
		return nil, errors.Wrap(err, "parsing git diff")
	}
	return files, nil
}

// FileChangeFromGit maps one parsed git file to a change
func FileChangeFromGit(f *gitdiff.File) diff.FileChange {
	switch {
	case f.IsNew:
		return diff.NewFileChange(diff.Added, f.NewName)
	case f.IsDelete:
		return diff.NewFileChange(diff.Deleted, f.OldName)
	case f.IsRename:
		return diff.NewMoveChange(diff.Renamed, f.OldName, f.NewName)
	case f.IsCopy:
		return diff.NewMoveChange(diff.Copied, f.OldName, f.NewName)
	default:
		return diff.NewFileChange(diff.Modified, f.NewName)
	}
}

// GitFileChanges lists the file changes in a git diff, in diff order
func GitFileChanges(gitDiff string) ([]diff.FileChange, error) {
	files, err := ParseGitDiff(gitDiff)
	if err != nil {
		return nil, err
	}
	changes := make([]diff.FileChange, 0, len(files))
	for _, f := range files {
		changes = append(changes, FileChangeFromGit(f))
	}
	return changes, nil
}

// canonicalise drops the parts of a git file header that the Perforce side
// cannot reproduce: object ids, similarity scores, exact modes and binary payloads.
func canonicalise(f *gitdiff.File) {
	f.OldOIDPrefix = ""
	f.NewOIDPrefix = ""
	f.Score = 0
	switch {
	case f.IsNew:
		f.OldMode, f.NewMode = 0, regularFileMode
	case f.IsDelete:
		f.OldMode, f.NewMode = regularFileMode, 0
	default:
		f.OldMode, f.NewMode = 0, 0
	}
	if f.IsBinary {
		f.BinaryFragment = nil
		f.ReverseBinaryFragment = nil
		f.TextFragments = nil
	}
}

// RenderGit formats files in canonical git syntax
func RenderGit(files []*gitdiff.File) string {
	var b strings.Builder
	for _, f := range files {
		canonicalise(f)
		b.WriteString(f.String())
	}
	return b.String()
}

// NormalizeGitDiff re-renders git diff output canonically so that it can be compared
// with a converted Perforce diff
func NormalizeGitDiff(gitDiff string) (string, error) {
	files, err := ParseGitDiff(gitDiff)
	if err != nil {
		return "", err
	}
	return RenderGit(files), nil
}

// fragmentHeader writes the hunk header in unified diff form
func fragmentHeader(frag *gitdiff.TextFragment) string {
	h := fmt.Sprintf("@@ -%d,%d +%d,%d @@", frag.OldPosition, frag.OldLines, frag.NewPosition, frag.NewLines)
	if frag.Comment != "" {
		h += " " + frag.Comment
	}
	return h
}

func opPrefix(op gitdiff.LineOp) string {
	switch op {
	case gitdiff.OpAdd:
		return "+"
	case gitdiff.OpDelete:
		return "-"
	}
	return " "
}

// writeFragment writes hunk lines, marking a missing final newline the way diff does
func writeFragment(b *strings.Builder, frag *gitdiff.TextFragment) {
	b.WriteString(fragmentHeader(frag) + "\n")
	for _, l := range frag.Lines {
		b.WriteString(opPrefix(l.Op) + l.Line)
		if !strings.HasSuffix(l.Line, "\n") {
			b.WriteString("\n\\ No newline at end of file\n")
		}
	}
}

// fragmentBuilder accumulates hunk lines read from text into go-gitdiff fragments
type fragmentBuilder struct {
	frags   []*gitdiff.TextFragment
	current *gitdiff.TextFragment
}

// add consumes one line. It returns false for lines which are not part of a hunk.
func (fb *fragmentBuilder) add(line string) (bool, error) {
	if m := hunkHeaderRe.FindStringSubmatch(line); m != nil {
		frag := &gitdiff.TextFragment{Comment: strings.TrimSpace(m[5])}
		var err error
		if frag.OldPosition, frag.OldLines, err = parseRange(m[1], m[2]); err != nil {
			return false, err
		}
		if frag.NewPosition, frag.NewLines, err = parseRange(m[3], m[4]); err != nil {
			return false, err
		}
		fb.frags = append(fb.frags, frag)
		fb.current = frag
		return true, nil
	}
	if fb.current == nil {
		return false, nil
	}
	if strings.HasPrefix(line, `\ No newline at end of file`) {
		if n := len(fb.current.Lines); n > 0 {
			fb.current.Lines[n-1].Line = strings.TrimSuffix(fb.current.Lines[n-1].Line, "\n")
		}
		return true, nil
	}
	if fb.full() {
		fb.current = nil
		return false, nil
	}
	var op gitdiff.LineOp
	switch {
	case strings.HasPrefix(line, "+"):
		op = gitdiff.OpAdd
		fb.current.LinesAdded++
	case strings.HasPrefix(line, "-"):
		op = gitdiff.OpDelete
		fb.current.LinesDeleted++
	case strings.HasPrefix(line, " ") || line == "" || line == "\r":
		op = gitdiff.OpContext
	default:
		fb.current = nil
		return false, nil
	}
	// blank context lines may have lost their leading space
	content := line
	if op != gitdiff.OpContext || strings.HasPrefix(line, " ") {
		content = line[1:]
	}
	fb.current.Lines = append(fb.current.Lines, gitdiff.Line{Op: op, Line: content + "\n"})
	return true, nil
}

// full is true once the current fragment holds every line its header announced
func (fb *fragmentBuilder) full() bool {
	var oldN, newN int64
	for _, l := range fb.current.Lines {
		if l.Op != gitdiff.OpAdd {
			oldN++
		}
		if l.Op != gitdiff.OpDelete {
			newN++
		}
	}
	return oldN >= fb.current.OldLines && newN >= fb.current.NewLines
}

// fragments returns the hunks collected, with leading/trailing context counted
func (fb *fragmentBuilder) fragments() []*gitdiff.TextFragment {
	for _, frag := range fb.frags {
		frag.LeadingContext, frag.TrailingContext = 0, 0
		for _, l := range frag.Lines {
			if l.Op != gitdiff.OpContext {
				break
			}
			frag.LeadingContext++
		}
		for i := len(frag.Lines) - 1; i >= 0 && frag.Lines[i].Op == gitdiff.OpContext; i-- {
			frag.TrailingContext++
		}
	}
	frags := fb.frags
	fb.frags, fb.current = nil, nil
	return frags
}

func parseRange(start, count string) (int64, int64, error) {
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "bad hunk position %q", start)
	}
	n := int64(1)
	if count != "" {
		if n, err = strconv.ParseInt(count, 10, 64); err != nil {
			return 0, 0, errors.Wrapf(err, "bad hunk length %q", count)
		}
	}
	return s, n, nil
}
