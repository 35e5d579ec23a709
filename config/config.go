package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/shlex"
	yaml "gopkg.in/yaml.v2"
)

const DefaultP4Command = "p4"
const DefaultGitCommand = "git"
const DefaultDescription = "Synced from git"

// Config for gitp4sync
type Config struct {
	P4Command      string   `yaml:"p4_command"`
	GitCommand     string   `yaml:"git_command"`
	P4Port         string   `yaml:"p4_port"`
	P4User         string   `yaml:"p4_user"`
	P4Client       string   `yaml:"p4_client"`
	DepotRoot      string   `yaml:"depot_root"`
	ClientRoot     string   `yaml:"client_root"`
	GitDir         string   `yaml:"git_dir"`
	TrackingBranch string   `yaml:"tracking_branch"`
	SyncToLatest   bool     `yaml:"sync_to_latest"`
	Changelist     string   `yaml:"changelist"`
	Description    string   `yaml:"description"`
	IgnorePaths    []string `yaml:"ignore_paths"`
	ReIgnorePaths  []*regexp.Regexp
}

// Unmarshal the config
func Unmarshal(config []byte) (*Config, error) {
	// Default values specified here
	cfg := &Config{
		P4Command:   DefaultP4Command,
		GitCommand:  DefaultGitCommand,
		GitDir:      ".",
		Description: DefaultDescription,
	}
	err := yaml.Unmarshal(config, cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err.Error())
	}
	err = cfg.validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile - loads config file
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString - loads a string
func LoadConfigString(content []byte) (*Config, error) {
	cfg, err := Unmarshal([]byte(content))
	return cfg, err
}

// Validate checks values which may have been changed after loading, eg by command line flags
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	if c.DepotRoot != "" && !strings.HasPrefix(c.DepotRoot, "//") {
		return fmt.Errorf("depot_root '%s' must start with //", c.DepotRoot)
	}
	for _, cmd := range []struct{ name, value string }{{"p4_command", c.P4Command}, {"git_command", c.GitCommand}} {
		parts, err := shlex.Split(cmd.value)
		if err != nil {
			return fmt.Errorf("failed to parse %s '%s': %v", cmd.name, cmd.value, err)
		}
		if len(parts) == 0 {
			return fmt.Errorf("%s must not be empty", cmd.name)
		}
	}
	if c.Changelist != "" {
		for _, r := range c.Changelist {
			if r < '0' || r > '9' {
				return fmt.Errorf("changelist '%s' must be a number", c.Changelist)
			}
		}
	}
	c.ReIgnorePaths = make([]*regexp.Regexp, 0, len(c.IgnorePaths))
	for _, p := range c.IgnorePaths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("failed to parse '%s' as a regex", p)
		}
		c.ReIgnorePaths = append(c.ReIgnorePaths, re)
	}
	return nil
}
