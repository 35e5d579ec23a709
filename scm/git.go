package scm

import (
	"context"
	"regexp"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitp4sync/convert"
	"github.com/rcowham/gitp4sync/diff"
)

// Trailer written by git-p4 style tools on commits imported from Perforce:
// [git-p4: depot-paths = "//depot/proj/": change = 1234]
var gitP4ChangeRe = regexp.MustCompile(`\[git-p4:.*change = (\d+)\]`)

// Blob - file content and mode at a git revision
type Blob struct {
	Path       string
	Content    []byte
	Executable bool
	Symlink    bool
}

// Git - handle on one git repository. Commands go through the runner,
// blob reads use go-git directly.
type Git struct {
	logger *logrus.Logger
	runner Runner
	cmd    commandLine
	Dir    string
	repo   *gogit.Repository
}

// NewGit creates a handle. command is the configured git command line.
func NewGit(logger *logrus.Logger, runner Runner, command, dir string) (*Git, error) {
	cmd, err := parseCommandLine(command, "git")
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "."
	}
	return &Git{logger: logger, runner: runner, cmd: cmd, Dir: dir}, nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	return g.runner.Run(ctx, nil, g.cmd.name, g.cmd.with(args...)...)
}

// Diff returns git diff output between two refs with rename detection
func (g *Git) Diff(ctx context.Context, from, to string) (string, error) {
	out, err := g.run(ctx, "diff", "-M", "--no-color", "--no-ext-diff", from+".."+to)
	if err != nil {
		return "", errors.Wrapf(err, "git diff %s..%s", from, to)
	}
	return out, nil
}

// RevParse resolves ref to a commit id
func (g *Git) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", ref)
	if err != nil {
		return "", errors.Wrapf(err, "git rev-parse %s", ref)
	}
	return strings.TrimSpace(out), nil
}

// UpstreamBranch returns the tracking branch of HEAD, eg origin/main
func (g *Git) UpstreamBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")
	if err != nil {
		return "", errors.Wrap(err, "finding tracking branch")
	}
	return strings.TrimSpace(out), nil
}

// Status returns uncommitted changes in the working tree
func (g *Git) Status(ctx context.Context) ([]diff.FileChange, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, errors.Wrap(err, "git status")
	}
	return convert.ParseGitStatus(out)
}

// LastSubmittedChangelist finds the newest commit on branch which records a
// Perforce change number. Both results are empty when there is none.
func (g *Git) LastSubmittedChangelist(ctx context.Context, branch string) (commit string, change string, err error) {
	out, err := g.run(ctx, "log", "-1", "--format=%H%n%B", "--grep=^\\[git-p4:", branch)
	if err != nil {
		return "", "", errors.Wrapf(err, "searching %s for submitted changelist", branch)
	}
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	if len(lines) < 2 {
		return "", "", nil
	}
	m := gitP4ChangeRe.FindStringSubmatch(lines[1])
	if m == nil {
		return "", "", nil
	}
	return strings.TrimSpace(lines[0]), m[1], nil
}

// Tags lists tag names
func (g *Git) Tags(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "tag", "--list")
	if err != nil {
		return nil, errors.Wrap(err, "git tag")
	}
	return nonEmptyLines(out), nil
}

// Branches lists local branch names
func (g *Git) Branches(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, errors.Wrap(err, "git branch")
	}
	return nonEmptyLines(out), nil
}

func (g *Git) open() (*gogit.Repository, error) {
	if g.repo != nil {
		return g.repo, nil
	}
	repo, err := gogit.PlainOpenWithOptions(g.Dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, errors.Wrapf(err, "opening git repository %s", g.Dir)
	}
	g.repo = repo
	return repo, nil
}

// ReadBlob returns the content of path at ref
func (g *Git) ReadBlob(ref, path string) (*Blob, error) {
	repo, err := g.open()
	if err != nil {
		return nil, err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", ref)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.Wrapf(err, "reading commit %s", hash)
	}
	f, err := commit.File(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s at %s", path, ref)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, errors.Wrapf(err, "reading blob %s", path)
	}
	g.logger.Debugf("Read %s at %s: %d bytes mode %s", path, ref, len(contents), f.Mode)
	return &Blob{
		Path:       path,
		Content:    []byte(contents),
		Executable: f.Mode == filemode.Executable,
		Symlink:    f.Mode == filemode.Symlink,
	}, nil
}

func nonEmptyLines(s string) []string {
	out := make([]string, 0)
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
