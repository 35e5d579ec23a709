package diff

import (
	"fmt"
	"strings"
)

// DivergenceKind - why two diffs were not equivalent
type DivergenceKind int

const (
	FileSetDivergence DivergenceKind = iota
	ContentDivergence
	ExtraLinesInFirst
	ExtraLinesInSecond
)

// DivergenceReport explains the first difference found between two diffs.
// A nil report means the diffs are equivalent.
type DivergenceReport struct {
	Kind         DivergenceKind
	FirstLabel   string
	SecondLabel  string
	OnlyInFirst  []string // file set divergence only
	OnlyInSecond []string
	Path         string // content divergence only
	FirstLine    int    // 1 based line within the body of Path
	SecondLine   int
	// Up to contextLines lines examined up to and including the divergent line, and up to
	// contextLines lines after it, per side.
	FirstBefore       []string
	FirstAfter        []string
	SecondBefore      []string
	SecondAfter       []string
	LineCountMismatch bool
}

// IsFileSetDivergence is true when the diffs touch different files
func (r *DivergenceReport) IsFileSetDivergence() bool {
	return r != nil && r.Kind == FileSetDivergence
}

func (r *DivergenceReport) labels() (string, string) {
	first, second := r.FirstLabel, r.SecondLabel
	if first == "" {
		first = "first"
	}
	if second == "" {
		second = "second"
	}
	return first, second
}

// Error renders the report for humans
func (r *DivergenceReport) Error() string {
	first, second := r.labels()
	var b strings.Builder
	switch r.Kind {
	case FileSetDivergence:
		fmt.Fprintf(&b, "%s and %s diffs touch different files", first, second)
		if len(r.OnlyInFirst) > 0 {
			fmt.Fprintf(&b, "\nonly in %s diff:\n  %s", first, strings.Join(r.OnlyInFirst, "\n  "))
		}
		if len(r.OnlyInSecond) > 0 {
			fmt.Fprintf(&b, "\nonly in %s diff:\n  %s", second, strings.Join(r.OnlyInSecond, "\n  "))
		}
		return b.String()
	case ExtraLinesInFirst:
		fmt.Fprintf(&b, "%s: same until extra lines in %s diff at line %d", r.Path, first, r.FirstLine)
	case ExtraLinesInSecond:
		fmt.Fprintf(&b, "%s: same until extra lines in %s diff at line %d", r.Path, second, r.SecondLine)
	default:
		fmt.Fprintf(&b, "%s: %s line %d does not match %s line %d", r.Path, first, r.FirstLine, second, r.SecondLine)
	}
	if r.LineCountMismatch {
		b.WriteString(" (line counts differ)")
	}
	writeWindow(&b, first, r.FirstBefore, r.FirstAfter)
	writeWindow(&b, second, r.SecondBefore, r.SecondAfter)
	return b.String()
}

func writeWindow(b *strings.Builder, label string, before, after []string) {
	fmt.Fprintf(b, "\n---- %s ----", label)
	for _, l := range before {
		b.WriteString("\n" + l)
	}
	if len(after) > 0 {
		b.WriteString("\n.... following lines ....")
		for _, l := range after {
			b.WriteString("\n" + l)
		}
	}
}
