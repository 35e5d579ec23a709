package changelist

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitp4sync/convert"
	"github.com/rcowham/gitp4sync/diff"
	"github.com/rcowham/gitp4sync/scm"
)

var debug bool = false

func init() {
	flag.BoolVar(&debug, "debug", false, "Set to have debug logging for tests.")
}

func createLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if debug {
		logger.Level = logrus.DebugLevel
	}
	return logger
}

var testMapping = convert.NewMapping("//depot/proj", "/ws")

type fakeGit struct {
	diff      string
	upstream  string
	status    []diff.FileChange
	pinCommit string
	pinChange string
	blobs     map[string]*scm.Blob
	diffCalls []string
}

func newFakeGit(gitDiff string) *fakeGit {
	return &fakeGit{diff: gitDiff, upstream: "origin/main", blobs: map[string]*scm.Blob{}}
}

func (g *fakeGit) Diff(ctx context.Context, from, to string) (string, error) {
	g.diffCalls = append(g.diffCalls, from+".."+to)
	return g.diff, nil
}

func (g *fakeGit) RevParse(ctx context.Context, ref string) (string, error) {
	return "headsha", nil
}

func (g *fakeGit) UpstreamBranch(ctx context.Context) (string, error) {
	return g.upstream, nil
}

func (g *fakeGit) Status(ctx context.Context) ([]diff.FileChange, error) {
	return g.status, nil
}

func (g *fakeGit) LastSubmittedChangelist(ctx context.Context, branch string) (string, string, error) {
	return g.pinCommit, g.pinChange, nil
}

func (g *fakeGit) ReadBlob(ref, path string) (*scm.Blob, error) {
	if b, ok := g.blobs[path]; ok {
		return b, nil
	}
	return &scm.Blob{Path: path, Content: []byte("content of " + path + "\n")}, nil
}

// fakePerforce keeps opened files in memory. Describe renders the git diff
// restricted to the files opened in the changelist, plus any opened file git
// does not know about, so verification passes only when the open set matches.
type fakePerforce struct {
	git      *fakeGit
	opened   map[string]diff.FileChange
	stale    map[string]bool
	sticky   map[string]bool // paths Revert leaves open
	failOn   map[string]error
	calls    []string
	addTypes map[string]string
	nextCL   int
	mapping  convert.Mapping
}

func newFakePerforce(git *fakeGit) *fakePerforce {
	return &fakePerforce{
		git:      git,
		opened:   map[string]diff.FileChange{},
		stale:    map[string]bool{},
		sticky:   map[string]bool{},
		failOn:   map[string]error{},
		addTypes: map[string]string{},
		nextCL:   100,
		mapping:  testMapping,
	}
}

func (p *fakePerforce) open(fc diff.FileChange, cl string) {
	p.opened[fc.LastPath] = fc.InChangelist(cl)
}

func (p *fakePerforce) record(op string, args ...string) error {
	p.calls = append(p.calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	return p.failOn[op]
}

func (p *fakePerforce) called(op string) []string {
	out := make([]string, 0)
	for _, c := range p.calls {
		if c == op || strings.HasPrefix(c, op+" ") {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePerforce) Opened(ctx context.Context) ([]diff.FileChange, error) {
	if err := p.record("opened"); err != nil {
		return nil, err
	}
	out := make([]diff.FileChange, 0, len(p.opened))
	for _, fc := range p.opened {
		out = append(out, fc)
	}
	diff.SortFileChanges(out)
	return out, nil
}

func (p *fakePerforce) Sync(ctx context.Context, paths []string, rev string) error {
	return p.record("sync", append(append([]string{}, paths...), rev)...)
}

func (p *fakePerforce) Revert(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := p.record("revert", paths...); err != nil {
		return err
	}
	for _, path := range paths {
		if p.sticky[path] {
			continue
		}
		fc, ok := p.opened[path]
		if !ok {
			continue
		}
		delete(p.opened, path)
		if fc.Type == diff.Renamed || fc.Type == diff.DeletedAfterRename {
			delete(p.opened, fc.FirstPath)
		}
	}
	return nil
}

func (p *fakePerforce) Reopen(ctx context.Context, cl string, paths []string) error {
	if err := p.record("reopen", append([]string{cl}, paths...)...); err != nil {
		return err
	}
	for _, path := range paths {
		if fc, ok := p.opened[path]; ok {
			p.opened[path] = fc.InChangelist(cl)
		}
	}
	return nil
}

func (p *fakePerforce) Edit(ctx context.Context, cl string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := p.record("edit", append([]string{cl}, paths...)...); err != nil {
		return err
	}
	for _, path := range paths {
		p.open(diff.NewFileChange(diff.Modified, path), cl)
	}
	return nil
}

func (p *fakePerforce) Add(ctx context.Context, cl, fileType string, paths []string) error {
	if err := p.record("add", append([]string{cl, fileType}, paths...)...); err != nil {
		return err
	}
	for _, path := range paths {
		p.open(diff.NewFileChange(diff.Added, path), cl)
		p.addTypes[path] = fileType
	}
	return nil
}

func (p *fakePerforce) Delete(ctx context.Context, cl string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := p.record("delete", append([]string{cl}, paths...)...); err != nil {
		return err
	}
	for _, path := range paths {
		p.open(diff.NewFileChange(diff.Deleted, path), cl)
	}
	return nil
}

func (p *fakePerforce) Move(ctx context.Context, cl, from, to string) error {
	if err := p.record("move", cl, from, to); err != nil {
		return err
	}
	if fc, ok := p.opened[from]; !ok || fc.Type != diff.Modified {
		return fmt.Errorf("%s is not opened for edit", from)
	}
	p.open(diff.NewMoveChange(diff.Renamed, from, to), cl)
	p.open(diff.NewMoveChange(diff.DeletedAfterRename, to, from), cl)
	return nil
}

func (p *fakePerforce) Stale(ctx context.Context, paths []string, rev string) ([]string, error) {
	if err := p.record("stale", paths...); err != nil {
		return nil, err
	}
	out := make([]string, 0)
	for _, path := range paths {
		if p.stale[path] {
			out = append(out, path)
		}
	}
	return out, nil
}

func (p *fakePerforce) NewChangelist(ctx context.Context, description string) (string, error) {
	if err := p.record("change", description); err != nil {
		return "", err
	}
	cl := fmt.Sprintf("%d", p.nextCL)
	p.nextCL++
	return cl, nil
}

func (p *fakePerforce) Describe(ctx context.Context, cl string) (string, error) {
	if err := p.record("describe", cl); err != nil {
		return "", err
	}
	files, _, err := gitdiff.Parse(strings.NewReader(p.git.diff))
	if err != nil {
		return "", err
	}
	inCL := inChangelist(mapValues(p.opened), cl)
	keys := changeKeys(inCL)
	kept := make([]*gitdiff.File, 0)
	known := make(map[string]bool)
	for _, f := range files {
		fc := convert.FileChangeFromGit(f)
		if _, ok := keys[fc.Key()]; ok {
			kept = append(kept, f)
			known[fc.Key()] = true
			if fc.Type == diff.Renamed {
				known[diff.NewMoveChange(diff.DeletedAfterRename, fc.LastPath, fc.FirstPath).Key()] = true
			}
		}
	}
	g := &convert.GitToPerforce{Mapping: p.mapping}
	conv, err := g.Convert(convert.RenderGit(kept))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(conv.Diff)
	for _, fc := range inCL {
		if !known[fc.Key()] {
			fmt.Fprintf(&b, "... %s#1 edit\n", p.mapping.DepotPath(fc.LastPath))
		}
	}
	return b.String(), nil
}

func mapValues(m map[string]diff.FileChange) []diff.FileChange {
	out := make([]diff.FileChange, 0, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

var errInjected = errors.New("injected failure")
