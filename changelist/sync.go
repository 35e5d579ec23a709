package changelist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rcowham/gitp4sync/convert"
	"github.com/rcowham/gitp4sync/diff"
	"github.com/rcowham/gitp4sync/scm"
)

// Git is the part of the git handle the synchronizer needs
type Git interface {
	Diff(ctx context.Context, from, to string) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	UpstreamBranch(ctx context.Context) (string, error)
	Status(ctx context.Context) ([]diff.FileChange, error)
	LastSubmittedChangelist(ctx context.Context, branch string) (string, string, error)
	ReadBlob(ref, path string) (*scm.Blob, error)
}

// Perforce is the part of the Perforce handle the synchronizer needs
type Perforce interface {
	Opened(ctx context.Context) ([]diff.FileChange, error)
	Sync(ctx context.Context, paths []string, rev string) error
	Revert(ctx context.Context, paths []string) error
	Reopen(ctx context.Context, cl string, paths []string) error
	Edit(ctx context.Context, cl string, paths []string) error
	Add(ctx context.Context, cl, fileType string, paths []string) error
	Delete(ctx context.Context, cl string, paths []string) error
	Move(ctx context.Context, cl, from, to string) error
	Stale(ctx context.Context, paths []string, rev string) ([]string, error)
	NewChangelist(ctx context.Context, description string) (string, error)
	Describe(ctx context.Context, cl string) (string, error)
}

// State - one step of a synchronization run
type State int

const (
	DiffComputation State = iota
	RevisionSync
	StrayRevert
	MissingDetection
	ResyncUnresolved
	EditOpening
	ContentCopy
	StructuralOps
	Verification
)

var stateNames = map[State]string{
	DiffComputation:  "diff computation",
	RevisionSync:     "revision sync",
	StrayRevert:      "stray revert",
	MissingDetection: "missing detection",
	ResyncUnresolved: "resync unresolved",
	EditOpening:      "edit opening",
	ContentCopy:      "content copy",
	StructuralOps:    "structural operations",
	Verification:     "verification",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateError - the state a run failed in. The workspace is left as it is.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Options - what to synchronize
type Options struct {
	TrackingBranch string // "" uses the upstream of HEAD
	SyncToLatest   bool   // false pins to the last submitted changelist when one is recorded
	Changelist     string // "" creates a new pending changelist
	Description    string
	IgnorePaths    []*regexp.Regexp
	Mapping        convert.Mapping
}

// Result - outcome of a successful run
type Result struct {
	Changelist string
	Plan       *Plan
	Changes    []diff.FileChange // final content of the changelist
}

// Synchronizer brings a Perforce pending changelist in line with a git branch
type Synchronizer struct {
	logger     *logrus.Logger
	git        Git
	p4         Perforce
	fs         afero.Fs
	opts       Options
	comparator *diff.Comparator
	blobs      map[string]*scm.Blob
}

// NewSynchronizer creates a synchronizer. fs holds the Perforce client workspace.
func NewSynchronizer(logger *logrus.Logger, git Git, p4 Perforce, fs afero.Fs, opts Options) *Synchronizer {
	return &Synchronizer{
		logger:     logger,
		git:        git,
		p4:         p4,
		fs:         fs,
		opts:       opts,
		comparator: diff.NewComparator(logger),
		blobs:      make(map[string]*scm.Blob),
	}
}

func fail(state State, err error) error {
	return &StateError{State: state, Err: err}
}

// Run performs every state in order followed by verification. The first failing
// state ends the run.
func (s *Synchronizer) Run(ctx context.Context) (*Result, error) {
	s.warnIfDirty(ctx)
	plan := &Plan{Changelist: s.opts.Changelist}
	steps := []struct {
		state State
		fn    func(context.Context, *Plan) error
	}{
		{DiffComputation, s.computeDiff},
		{RevisionSync, s.syncRevisions},
		{StrayRevert, s.revertStrays},
		{MissingDetection, s.detectMissing},
		{ResyncUnresolved, s.resyncUnresolved},
		{EditOpening, s.openForEdit},
		{ContentCopy, s.copyContent},
		{StructuralOps, s.structuralOps},
	}
	for _, step := range steps {
		s.logger.Infof("State: %s", step.state)
		if err := step.fn(ctx, plan); err != nil {
			return &Result{Changelist: plan.Changelist, Plan: plan}, fail(step.state, err)
		}
	}
	s.logger.Infof("State: %s", Verification)
	res := &Result{Changelist: plan.Changelist, Plan: plan}
	report, err := s.verify(ctx, plan.Base, plan.Head, plan.Changelist)
	if err != nil {
		return res, fail(Verification, err)
	}
	if report != nil {
		return res, fail(Verification, report)
	}
	opened, err := s.p4.Opened(ctx)
	if err != nil {
		return res, fail(Verification, err)
	}
	res.Changes = inChangelist(opened, plan.Changelist)
	s.logger.Infof("Changelist %s matches %s: %d files", plan.Changelist, plan.Head, len(res.Changes))
	return res, nil
}

func (s *Synchronizer) warnIfDirty(ctx context.Context) {
	status, err := s.git.Status(ctx)
	if err != nil {
		s.logger.Warnf("Could not read git status: %v", err)
		return
	}
	if len(status) > 0 {
		s.logger.Warnf("Git working tree has %d uncommitted changes, only committed content is synced", len(status))
		for _, fc := range status {
			s.logger.Debugf("Uncommitted: %s", fc)
		}
	}
}

// diffRange resolves the git refs to diff and the matching Perforce reference
func (s *Synchronizer) diffRange(ctx context.Context) (base, head, reference string, err error) {
	branch := s.opts.TrackingBranch
	if branch == "" {
		if branch, err = s.git.UpstreamBranch(ctx); err != nil {
			return "", "", "", err
		}
	}
	base = branch
	if !s.opts.SyncToLatest {
		commit, change, err := s.git.LastSubmittedChangelist(ctx, branch)
		if err != nil {
			return "", "", "", err
		}
		if change != "" {
			s.logger.Infof("Pinning to changelist %s (commit %s)", change, commit)
			base, reference = commit, change
		}
	}
	if head, err = s.git.RevParse(ctx, "HEAD"); err != nil {
		return "", "", "", err
	}
	return base, head, reference, nil
}

// computeDiff is state 1: the git diff becomes the list D of changes. The diff
// is converted to Perforce syntax first so unmapped paths fail before any
// Perforce command runs.
func (s *Synchronizer) computeDiff(ctx context.Context, plan *Plan) error {
	var err error
	if plan.Base, plan.Head, plan.Reference, err = s.diffRange(ctx); err != nil {
		return err
	}
	gitDiff, err := s.git.Diff(ctx, plan.Base, plan.Head)
	if err != nil {
		return err
	}
	g := &convert.GitToPerforce{Mapping: s.opts.Mapping, Reference: plan.Reference}
	conv, err := g.Convert(gitDiff)
	if err != nil {
		return err
	}
	plan.Diff = filterIgnored(conv.Changes, s.opts.IgnorePaths)
	diff.SortFileChanges(plan.Diff)
	s.logger.Infof("Git diff %s..%s: %d files (%d ignored)", plan.Base, plan.Head,
		len(plan.Diff), len(conv.Changes)-len(plan.Diff))
	return nil
}

// syncRevisions is state 2
func (s *Synchronizer) syncRevisions(ctx context.Context, plan *Plan) error {
	if plan.Changelist == "" {
		desc := s.opts.Description
		if desc == "" {
			desc = "Synced from git"
		}
		cl, err := s.p4.NewChangelist(ctx, desc)
		if err != nil {
			return err
		}
		plan.Changelist = cl
	}
	paths := existingPaths(plan.Diff)
	s.logger.Infof("Syncing %d files to %s", len(paths), plan.Revision())
	return s.p4.Sync(ctx, paths, plan.Revision())
}

func (s *Synchronizer) refreshOpened(ctx context.Context, plan *Plan) error {
	opened, err := s.p4.Opened(ctx)
	if err != nil {
		return err
	}
	plan.All = opened
	plan.Target = inChangelist(opened, plan.Changelist)
	return nil
}

// revertStrays is state 3: changes in the changelist which git does not have
func (s *Synchronizer) revertStrays(ctx context.Context, plan *Plan) error {
	if err := s.refreshOpened(ctx, plan); err != nil {
		return err
	}
	plan.Revert = subtract(plan.Target, plan.Diff)
	if len(plan.Revert) == 0 {
		return nil
	}
	s.logger.Infof("Reverting %d stray files", len(plan.Revert))
	if err := s.p4.Revert(ctx, lastPaths(plan.Revert)); err != nil {
		return err
	}
	return s.refreshOpened(ctx, plan)
}

// detectMissing is state 4: changes git has which the changelist lacks. Files
// already open with the same action in another changelist are reopened.
func (s *Synchronizer) detectMissing(ctx context.Context, plan *Plan) error {
	missing := subtract(plan.Diff, plan.Target)
	elsewhere := changeKeys(notInChangelist(plan.All, plan.Changelist))
	plan.Missing = make([]diff.FileChange, 0, len(missing))
	plan.Reopen = make([]diff.FileChange, 0)
	for _, fc := range missing {
		if other, ok := elsewhere[fc.Key()]; ok {
			plan.Reopen = append(plan.Reopen, other)
			continue
		}
		plan.Missing = append(plan.Missing, fc)
	}
	s.logger.Infof("Missing %d files, %d open in other changelists", len(plan.Missing), len(plan.Reopen))
	if len(plan.Reopen) == 0 {
		return nil
	}
	paths := make([]string, 0)
	for _, fc := range plan.Reopen {
		paths = append(paths, fc.Paths()...)
	}
	if err := s.p4.Reopen(ctx, plan.Changelist, paths); err != nil {
		return err
	}
	return s.refreshOpened(ctx, plan)
}

// openElsewhere returns paths of missing changes which are open in another
// changelist with a different action
func openElsewhere(plan *Plan) []string {
	open := make(map[string]bool)
	for _, fc := range notInChangelist(plan.All, plan.Changelist) {
		for _, p := range fc.Paths() {
			open[p] = true
		}
	}
	out := make([]string, 0)
	for _, fc := range plan.Missing {
		for _, p := range fc.Paths() {
			if open[p] {
				out = append(out, p)
			}
		}
	}
	return out
}

// resyncUnresolved is state 5: files whose workspace revision does not match
// the reference are reverted, synced again and treated as missing
func (s *Synchronizer) resyncUnresolved(ctx context.Context, plan *Plan) error {
	candidates := existingPaths(append(append([]diff.FileChange{}, plan.Target...), plan.Missing...))
	stale, err := s.p4.Stale(ctx, candidates, plan.Revision())
	if err != nil {
		return err
	}
	conflicts := openElsewhere(plan)
	if len(conflicts) > 0 {
		s.logger.Warnf("%d files are open in other changelists with a different action, moving them", len(conflicts))
		if err := s.p4.Reopen(ctx, plan.Changelist, conflicts); err != nil {
			return err
		}
	}
	seen := make(map[string]bool)
	plan.Resync = make([]string, 0)
	for _, p := range append(stale, conflicts...) {
		if !seen[p] {
			seen[p] = true
			plan.Resync = append(plan.Resync, p)
		}
	}
	sort.Strings(plan.Resync)
	if len(plan.Resync) == 0 {
		return nil
	}
	s.logger.Infof("Resyncing %d unresolved files", len(plan.Resync))
	if err := s.p4.Revert(ctx, plan.Resync); err != nil {
		return err
	}
	if err := s.p4.Sync(ctx, plan.Resync, plan.Revision()); err != nil {
		return err
	}
	missing := changeKeys(plan.Missing)
	for _, fc := range plan.Diff {
		if _, ok := missing[fc.Key()]; ok {
			continue
		}
		for _, p := range fc.Paths() {
			if seen[p] {
				plan.Missing = append(plan.Missing, fc)
				missing[fc.Key()] = fc
				break
			}
		}
	}
	diff.SortFileChanges(plan.Missing)
	return s.refreshOpened(ctx, plan)
}

// openForEdit is state 6. Rename sources are opened for edit so that they can
// be moved once the new content is in place.
func (s *Synchronizer) openForEdit(ctx context.Context, plan *Plan) error {
	paths := make([]string, 0)
	for _, fc := range plan.Missing {
		switch fc.Type {
		case diff.Modified:
			paths = append(paths, fc.LastPath)
		case diff.Renamed:
			paths = append(paths, fc.FirstPath)
		}
	}
	s.logger.Infof("Opening %d files for edit", len(paths))
	return s.p4.Edit(ctx, plan.Changelist, paths)
}

func (s *Synchronizer) blob(head, path string) (*scm.Blob, error) {
	if b, ok := s.blobs[path]; ok {
		return b, nil
	}
	b, err := s.git.ReadBlob(head, path)
	if err != nil {
		return nil, err
	}
	s.blobs[path] = b
	return b, nil
}

// copyContent is state 7: git content and executable bit for every non delete
// change. Renamed sources are removed from the workspace.
func (s *Synchronizer) copyContent(ctx context.Context, plan *Plan) error {
	count := 0
	for _, fc := range plan.Diff {
		if fc.Type.IsDelete() {
			continue
		}
		b, err := s.blob(plan.Head, fc.LastPath)
		if err != nil {
			return err
		}
		local := s.opts.Mapping.LocalPath(fc.LastPath)
		if err := s.fs.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", local)
		}
		if err := s.writeBlob(local, b); err != nil {
			return err
		}
		if fc.Type == diff.Renamed {
			src := s.opts.Mapping.LocalPath(fc.FirstPath)
			if err := s.fs.Remove(src); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "removing %s", src)
			}
		}
		count++
	}
	s.logger.Infof("Copied %d files from %s", count, plan.Head)
	return nil
}

// writeBlob writes content and mode to local. Symlinks are recreated when the
// filesystem supports them, otherwise the target is written as file content the
// way git does with core.symlinks=false.
func (s *Synchronizer) writeBlob(local string, b *scm.Blob) error {
	if b.Symlink {
		if linker, ok := s.fs.(afero.Linker); ok {
			if err := s.fs.Remove(local); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "replacing %s", local)
			}
			if err := linker.SymlinkIfPossible(string(b.Content), local); err != nil {
				return errors.Wrapf(err, "linking %s", local)
			}
			return nil
		}
	}
	mode := os.FileMode(0644)
	if b.Executable {
		mode = 0755
	}
	if err := afero.WriteFile(s.fs, local, b.Content, mode); err != nil {
		return errors.Wrapf(err, "writing %s", local)
	}
	if err := s.fs.Chmod(local, mode); err != nil {
		return errors.Wrapf(err, "setting mode of %s", local)
	}
	return nil
}

// structuralOps is state 8: adds, deletes and moves for the missing changes
func (s *Synchronizer) structuralOps(ctx context.Context, plan *Plan) error {
	adds := make(map[string][]string)
	deletes := make([]string, 0)
	for _, fc := range plan.Missing {
		switch fc.Type {
		case diff.Added, diff.AddedAndModified, diff.Copied:
			b, err := s.blob(plan.Head, fc.LastPath)
			if err != nil {
				return err
			}
			t := scm.DetectFileType(b.Content).WithExec(b.Executable)
			if b.Symlink {
				t = scm.Symlink.String()
			}
			adds[t] = append(adds[t], fc.LastPath)
		case diff.Deleted:
			deletes = append(deletes, fc.LastPath)
		case diff.Renamed:
			if err := s.p4.Move(ctx, plan.Changelist, fc.FirstPath, fc.LastPath); err != nil {
				return err
			}
		}
	}
	types := make([]string, 0, len(adds))
	for t := range adds {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if err := s.p4.Add(ctx, plan.Changelist, t, adds[t]); err != nil {
			return err
		}
	}
	return s.p4.Delete(ctx, plan.Changelist, deletes)
}

// Verify compares the git diff with the content of changelist cl. It returns a
// nil report when they describe the same changes.
func (s *Synchronizer) Verify(ctx context.Context, cl string) (*diff.DivergenceReport, error) {
	base, head, _, err := s.diffRange(ctx)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, base, head, cl)
}

func (s *Synchronizer) verify(ctx context.Context, base, head, cl string) (*diff.DivergenceReport, error) {
	gitDiff, err := s.git.Diff(ctx, base, head)
	if err != nil {
		return nil, err
	}
	files, err := convert.ParseGitDiff(gitDiff)
	if err != nil {
		return nil, err
	}
	kept := make([]*gitdiff.File, 0, len(files))
	for _, f := range files {
		if !ignored(convert.FileChangeFromGit(f).Paths(), s.opts.IgnorePaths) {
			kept = append(kept, f)
		}
	}
	described, err := s.p4.Describe(ctx, cl)
	if err != nil {
		return nil, err
	}
	p := &convert.PerforceToGit{Mapping: s.opts.Mapping}
	conv, err := p.Convert(described)
	if err != nil {
		return nil, err
	}
	report := s.comparator.Compare(diff.Parse(convert.RenderGit(kept)), diff.Parse(conv.Diff))
	if report != nil {
		s.logger.Errorf("Changelist %s does not match git: %v", cl, report)
		return report, nil
	}
	s.logger.Infof("Changelist %s matches git diff %s..%s", cl, base, head)
	return nil, nil
}
