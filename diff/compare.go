package diff

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

const contextLines = 10

// DeletedFileMarker starts the trailing block one tool emits for deleted files and
// the other omits.
const DeletedFileMarker = "deleted file mode"

var structuralMarkers = []string{
	DeletedFileMarker,
	"new file mode",
	"rename from",
	"copy from",
}

// TolerateReordering is the rule that a line count difference between two bodies is
// expected, not suspicious, when either body carries an add/delete/rename/copy marker.
// Perforce and git order such entries differently.
func TolerateReordering(first, second []string) bool {
	return hasStructuralMarker(first) || hasStructuralMarker(second)
}

func hasStructuralMarker(lines []string) bool {
	for _, l := range lines {
		for _, m := range structuralMarkers {
			if strings.HasPrefix(l, m) {
				return true
			}
		}
	}
	return false
}

func isDeleteMarker(line string) bool {
	return strings.HasPrefix(line, DeletedFileMarker)
}

// skipDeleteBlock returns the index of the next file header after i, or len(lines)
func skipDeleteBlock(lines []string, i int) int {
	for i++; i < len(lines); i++ {
		if IsFileHeader(lines[i]) {
			return i
		}
	}
	return len(lines)
}

// Comparator - decides whether two parsed diffs describe the same change
type Comparator struct {
	logger      *logrus.Logger
	FirstLabel  string
	SecondLabel string
}

// NewComparator creates a comparator which labels its sides git and perforce
func NewComparator(logger *logrus.Logger) *Comparator {
	return &Comparator{logger: logger, FirstLabel: "git", SecondLabel: "perforce"}
}

// Compare with a comparator that does not log
func Compare(first, second ParsedDiff) *DivergenceReport {
	logger := logrus.New()
	logger.Out = io.Discard
	return NewComparator(logger).Compare(first, second)
}

// Compare returns nil when both diffs touch the same files with the same bodies.
// Otherwise it returns a report for the first divergence found.
func (c *Comparator) Compare(first, second ParsedDiff) *DivergenceReport {
	onlyFirst := exclusivePaths(first, second)
	onlySecond := exclusivePaths(second, first)
	if len(onlyFirst) > 0 || len(onlySecond) > 0 {
		c.logger.Debugf("File sets differ: %d only in %s, %d only in %s",
			len(onlyFirst), c.FirstLabel, len(onlySecond), c.SecondLabel)
		return &DivergenceReport{
			Kind:         FileSetDivergence,
			FirstLabel:   c.FirstLabel,
			SecondLabel:  c.SecondLabel,
			OnlyInFirst:  onlyFirst,
			OnlyInSecond: onlySecond,
		}
	}
	for _, path := range first.Paths() {
		if r := c.compareBodies(path, first.bodies[path], second.bodies[path]); r != nil {
			return r
		}
	}
	c.logger.Debugf("Diffs equivalent: %d files", first.Len())
	return nil
}

func exclusivePaths(a, b ParsedDiff) []string {
	out := make([]string, 0)
	for _, p := range a.paths {
		if !b.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (c *Comparator) compareBodies(path string, a, b []string) *DivergenceReport {
	countMismatch := false
	if len(a) != len(b) {
		if TolerateReordering(a, b) {
			c.logger.Debugf("%s: line counts %d/%d differ, structural change present", path, len(a), len(b))
		} else {
			countMismatch = true
			c.logger.Warnf("%s: probable line count mismatch, %s has %d lines, %s has %d",
				path, c.FirstLabel, len(a), c.SecondLabel, len(b))
		}
	}
	ai, bi := 0, 0
	for {
		aMarker := ai < len(a) && isDeleteMarker(a[ai])
		bMarker := bi < len(b) && isDeleteMarker(b[bi])
		if aMarker || bMarker {
			if aMarker {
				ai = skipDeleteBlock(a, ai)
			}
			if bMarker {
				bi = skipDeleteBlock(b, bi)
			}
			continue
		}
		if ai >= len(a) && bi >= len(b) {
			return nil
		}
		var kind DivergenceKind
		switch {
		case ai >= len(a):
			kind = ExtraLinesInSecond
		case bi >= len(b):
			kind = ExtraLinesInFirst
		case a[ai] != b[bi]:
			kind = ContentDivergence
		default:
			ai++
			bi++
			continue
		}
		r := &DivergenceReport{
			Kind:              kind,
			FirstLabel:        c.FirstLabel,
			SecondLabel:       c.SecondLabel,
			Path:              path,
			FirstLine:         ai + 1,
			SecondLine:        bi + 1,
			LineCountMismatch: countMismatch,
		}
		r.FirstBefore, r.FirstAfter = window(a, ai)
		r.SecondBefore, r.SecondAfter = window(b, bi)
		c.logger.Debugf("%s: diverged at %s line %d / %s line %d", path, c.FirstLabel, ai+1, c.SecondLabel, bi+1)
		return r
	}
}

// window returns up to contextLines lines ending at i (inclusive) and up to
// contextLines lines after i
func window(lines []string, i int) ([]string, []string) {
	end := i + 1
	if end > len(lines) {
		end = len(lines)
	}
	start := end - contextLines
	if start < 0 {
		start = 0
	}
	after := end + contextLines
	if after > len(lines) {
		after = len(lines)
	}
	before := append([]string(nil), lines[start:end]...)
	return before, append([]string(nil), lines[end:after]...)
}
