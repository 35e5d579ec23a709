package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/perforce/p4prometheus/version"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/rcowham/gitp4sync/changelist"
	"github.com/rcowham/gitp4sync/config"
	"github.com/rcowham/gitp4sync/convert"
	"github.com/rcowham/gitp4sync/diff"
	"github.com/rcowham/gitp4sync/scm"
)

// Exit codes
const (
	exitOK       = 0
	exitFailed   = 1
	exitDiverged = 2
)

// Overrides - command line values which replace config file values when set
type Overrides struct {
	P4Port         string
	P4User         string
	P4Client       string
	DepotRoot      string
	ClientRoot     string
	GitDir         string
	TrackingBranch string
	Changelist     string
	Description    string
	Latest         bool
	IgnorePaths    []string
}

// applyOverrides copies set flags into cfg and revalidates it
func applyOverrides(cfg *config.Config, o Overrides) error {
	set := func(dst *string, val string) {
		if val != "" {
			*dst = val
		}
	}
	set(&cfg.P4Port, o.P4Port)
	set(&cfg.P4User, o.P4User)
	set(&cfg.P4Client, o.P4Client)
	set(&cfg.DepotRoot, o.DepotRoot)
	set(&cfg.ClientRoot, o.ClientRoot)
	set(&cfg.GitDir, o.GitDir)
	set(&cfg.TrackingBranch, o.TrackingBranch)
	set(&cfg.Changelist, o.Changelist)
	set(&cfg.Description, o.Description)
	if o.Latest {
		cfg.SyncToLatest = true
	}
	cfg.IgnorePaths = append(cfg.IgnorePaths, o.IgnorePaths...)
	return cfg.Validate()
}

func loadConfig(filename string) (*config.Config, error) {
	if filename == "" {
		return config.Unmarshal([]byte{})
	}
	return config.LoadConfigFile(filename)
}

func mapping(cfg *config.Config) convert.Mapping {
	return convert.NewMapping(cfg.DepotRoot, cfg.ClientRoot)
}

func syncOptions(cfg *config.Config) changelist.Options {
	ignore := make([]*regexp.Regexp, len(cfg.ReIgnorePaths))
	copy(ignore, cfg.ReIgnorePaths)
	return changelist.Options{
		TrackingBranch: cfg.TrackingBranch,
		SyncToLatest:   cfg.SyncToLatest,
		Changelist:     cfg.Changelist,
		Description:    cfg.Description,
		IgnorePaths:    ignore,
		Mapping:        mapping(cfg),
	}
}

func newSynchronizer(logger *logrus.Logger, cfg *config.Config) (*changelist.Synchronizer, error) {
	if cfg.DepotRoot == "" || cfg.ClientRoot == "" {
		return nil, errors.New("depot_root and client_root must be set")
	}
	git, err := scm.NewGit(logger, scm.NewExecRunner(logger, cfg.GitDir), cfg.GitCommand, cfg.GitDir)
	if err != nil {
		return nil, err
	}
	p4, err := scm.NewPerforce(logger, scm.NewExecRunner(logger, cfg.ClientRoot), afero.NewOsFs(), scm.PerforceOptions{
		Command: cfg.P4Command,
		Port:    cfg.P4Port,
		User:    cfg.P4User,
		Client:  cfg.P4Client,
		Mapping: mapping(cfg),
	})
	if err != nil {
		return nil, err
	}
	return changelist.NewSynchronizer(logger, git, p4, afero.NewOsFs(), syncOptions(cfg)), nil
}

// exitCode maps a run error to the process exit code. Divergence gets its own code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var report *diff.DivergenceReport
	if errors.As(err, &report) {
		return exitDiverged
	}
	return exitFailed
}

func writeGraph(logger *logrus.Logger, fs afero.Fs, filename string, plan *changelist.Plan) {
	if filename == "" || plan == nil {
		return
	}
	if err := afero.WriteFile(fs, filename, []byte(plan.Graph()), 0644); err != nil {
		logger.Errorf("Failed to write %s: %v", filename, err)
		return
	}
	logger.Infof("Plan graph written to %s", filename)
}

// compareDiffs compares two diff texts, returning nil when equivalent
func compareDiffs(logger *logrus.Logger, first, second string) *diff.DivergenceReport {
	c := diff.NewComparator(logger)
	return c.Compare(diff.Parse(first), diff.Parse(second))
}

// convertDiff runs one converter over text. to is "git" or "p4".
func convertDiff(cfg *config.Config, text, to string) (string, error) {
	switch to {
	case "git":
		p := &convert.PerforceToGit{Mapping: mapping(cfg)}
		conv, err := p.Convert(text)
		if err != nil {
			return "", err
		}
		return conv.Diff, nil
	case "p4":
		g := &convert.GitToPerforce{Mapping: mapping(cfg)}
		conv, err := g.Convert(text)
		if err != nil {
			return "", err
		}
		return conv.Diff, nil
	}
	return "", errors.Errorf("unknown conversion target %q", to)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("gitp4sync", "Keeps a Perforce pending changelist in step with a git branch\n")
	var (
		configFile = app.Flag(
			"config",
			"Config file for gitp4sync (yaml).",
		).Short('c').String()
		debug = app.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		profileDir = app.Flag(
			"profile",
			"Write a CPU profile to this directory.",
		).String()
		ov Overrides
	)
	app.Flag("p4.port", "P4PORT, overrides config p4_port.").StringVar(&ov.P4Port)
	app.Flag("p4.user", "P4USER, overrides config p4_user.").StringVar(&ov.P4User)
	app.Flag("p4.client", "P4CLIENT, overrides config p4_client.").StringVar(&ov.P4Client)
	app.Flag("depot.root", "Depot path the git repo maps to, eg //depot/proj.").StringVar(&ov.DepotRoot)
	app.Flag("client.root", "Local root of the Perforce client workspace for depot.root.").StringVar(&ov.ClientRoot)
	app.Flag("git.dir", "Git repository directory.").StringVar(&ov.GitDir)

	syncCmd := app.Command("sync", "Bring a pending changelist in line with the git branch.")
	syncCmd.Flag("branch", "Tracking branch (default upstream of HEAD).").StringVar(&ov.TrackingBranch)
	syncCmd.Flag("changelist", "Pending changelist to use (default creates one).").StringVar(&ov.Changelist)
	syncCmd.Flag("description", "Description for a new changelist.").StringVar(&ov.Description)
	syncCmd.Flag("latest", "Diff against latest Perforce revisions rather than the last submitted changelist.").BoolVar(&ov.Latest)
	syncCmd.Flag("ignore", "Regex of paths to leave out, may be repeated.").StringsVar(&ov.IgnorePaths)
	planGraph := syncCmd.Flag("plan.graph", "Write the sync plan as a graphviz DOT file.").String()

	verifyCmd := app.Command("verify", "Check an existing changelist against the git branch.")
	verifyCL := verifyCmd.Arg("changelist", "Pending changelist number.").Required().String()
	verifyCmd.Flag("branch", "Tracking branch (default upstream of HEAD).").StringVar(&ov.TrackingBranch)
	verifyCmd.Flag("latest", "Diff against latest Perforce revisions.").BoolVar(&ov.Latest)
	verifyCmd.Flag("ignore", "Regex of paths to leave out, may be repeated.").StringsVar(&ov.IgnorePaths)

	compareCmd := app.Command("compare", "Compare two diff files.")
	compareFirst := compareCmd.Arg("first", "First diff file.").Required().ExistingFile()
	compareSecond := compareCmd.Arg("second", "Second diff file.").Required().ExistingFile()

	convertCmd := app.Command("convert", "Convert a diff file between git and Perforce syntax.")
	convertFile := convertCmd.Arg("file", "Diff file to convert.").Required().ExistingFile()
	convertTo := convertCmd.Flag("to", "Target syntax.").Required().Enum("git", "p4")

	app.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("gitp4sync")).Author("Robert Cowham")
	app.HelpFlag.Short('h')
	command, err := app.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailed
	}

	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	if *profileDir != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*profileDir), profile.Quiet).Stop()
	}
	startTime := time.Now()
	logger.Infof("%v", version.Print("gitp4sync"))
	logger.Debugf("Starting %s, command: %s", startTime, command)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		return exitFailed
	}
	if err := applyOverrides(cfg, ov); err != nil {
		logger.Errorf("%v", err)
		return exitFailed
	}
	ctx := context.Background()

	switch command {
	case syncCmd.FullCommand():
		s, err := newSynchronizer(logger, cfg)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		res, err := s.Run(ctx)
		if res != nil {
			writeGraph(logger, afero.NewOsFs(), *planGraph, res.Plan)
		}
		if err != nil {
			logger.Errorf("%v", err)
			return exitCode(err)
		}
		for _, fc := range res.Changes {
			fmt.Println(fc.String())
		}
		logger.Infof("Changelist %s synced in %s", res.Changelist, time.Since(startTime))

	case verifyCmd.FullCommand():
		s, err := newSynchronizer(logger, cfg)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		report, err := s.Verify(ctx, *verifyCL)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		if report != nil {
			fmt.Println(report.Error())
			return exitDiverged
		}
		fmt.Printf("Changelist %s matches\n", *verifyCL)

	case compareCmd.FullCommand():
		first, err := os.ReadFile(*compareFirst)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		second, err := os.ReadFile(*compareSecond)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		if report := compareDiffs(logger, string(first), string(second)); report != nil {
			fmt.Println(report.Error())
			return exitDiverged
		}
		fmt.Println("Diffs are equivalent")

	case convertCmd.FullCommand():
		text, err := os.ReadFile(*convertFile)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		out, err := convertDiff(cfg, string(text), *convertTo)
		if err != nil {
			logger.Errorf("%v", err)
			return exitFailed
		}
		fmt.Print(out)
	}
	return exitOK
}
