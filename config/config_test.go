package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

const defaultConfig = `
p4_command:		p4 -C utf8
git_command:	git
p4_port:		ssl:perforce:1666
p4_user:		git-user
p4_client:		git-client
depot_root:		//depot/proj
client_root:	/ws/proj
git_dir:		/src/proj
tracking_branch: origin/main
changelist:		1234
description:	Mirror of main
ignore_paths:
`

func checkValue(t *testing.T, fieldname string, val string, expected string) {
	if val != expected {
		t.Fatalf("Error parsing %s, expected '%v' got '%v'", fieldname, expected, val)
	}
}

func checkValueBool(t *testing.T, fieldname string, val bool, expected bool) {
	if val != expected {
		t.Fatalf("Error parsing %s, expected %v got %v", fieldname, expected, val)
	}
}

func TestValidConfig(t *testing.T) {
	cfg := loadOrFail(t, defaultConfig)
	checkValue(t, "P4Command", cfg.P4Command, "p4 -C utf8")
	checkValue(t, "GitCommand", cfg.GitCommand, "git")
	checkValue(t, "P4Port", cfg.P4Port, "ssl:perforce:1666")
	checkValue(t, "P4User", cfg.P4User, "git-user")
	checkValue(t, "P4Client", cfg.P4Client, "git-client")
	checkValue(t, "DepotRoot", cfg.DepotRoot, "//depot/proj")
	checkValue(t, "ClientRoot", cfg.ClientRoot, "/ws/proj")
	checkValue(t, "GitDir", cfg.GitDir, "/src/proj")
	checkValue(t, "TrackingBranch", cfg.TrackingBranch, "origin/main")
	checkValue(t, "Changelist", cfg.Changelist, "1234")
	checkValue(t, "Description", cfg.Description, "Mirror of main")
	checkValueBool(t, "SyncToLatest", cfg.SyncToLatest, false)
	assert.Empty(t, cfg.IgnorePaths)
}

func TestEmptyConfig(t *testing.T) {
	cfg := loadOrFail(t, "")
	checkValue(t, "P4Command", cfg.P4Command, "p4")
	checkValue(t, "GitCommand", cfg.GitCommand, "git")
	checkValue(t, "GitDir", cfg.GitDir, ".")
	checkValue(t, "DepotRoot", cfg.DepotRoot, "")
	checkValue(t, "Changelist", cfg.Changelist, "")
	checkValue(t, "Description", cfg.Description, DefaultDescription)
	checkValueBool(t, "SyncToLatest", cfg.SyncToLatest, false)
	assert.Empty(t, cfg.ReIgnorePaths)
}

func TestSyncToLatest(t *testing.T) {
	cfg := loadOrFail(t, `
sync_to_latest: true
`)
	checkValueBool(t, "SyncToLatest", cfg.SyncToLatest, true)
	checkValue(t, "Changelist", cfg.Changelist, "")
}

func TestIgnorePaths(t *testing.T) {
	const config = `
ignore_paths:
- '^vendor/'
- '\.orig$'
`
	cfg := loadOrFail(t, config)
	assert.Equal(t, 2, len(cfg.IgnorePaths))
	assert.Equal(t, 2, len(cfg.ReIgnorePaths))
	assert.True(t, cfg.ReIgnorePaths[0].MatchString("vendor/lib.go"))
	assert.False(t, cfg.ReIgnorePaths[0].MatchString("src/vendor/lib.go"))
	assert.True(t, cfg.ReIgnorePaths[1].MatchString("src/A.java.orig"))
}

func TestRegex(t *testing.T) {
	const config = `
ignore_paths:
- 'main.*['
`
	_, err := Unmarshal([]byte(config))
	if err == nil {
		t.Fatalf("Expected regex error not seen")
	}
}

func TestWrongValues(t *testing.T) {
	ensureFail(t, `depot_root: depot/proj`, "depot root")
	ensureFail(t, `changelist: abc`, "changelist")
	ensureFail(t, `changelist: default`, "default changelist")
	ensureFail(t, `p4_command: 'p4 "-C utf8'`, "unterminated quote")
	ensureFail(t, `git_command: ''`, "empty command")
	ensureFail(t, `sync_to_latest: 'not bool'`, "bool")
	ensureFail(t, "ignore_paths: [", "yaml")
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "gitp4sync.yaml")
	if err := os.WriteFile(name, []byte(defaultConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(name)
	assert.NoError(t, err)
	checkValue(t, "DepotRoot", cfg.DepotRoot, "//depot/proj")

	_, err = LoadConfigFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestValidateAfterOverride(t *testing.T) {
	cfg := loadOrFail(t, "")
	cfg.DepotRoot = "depot"
	assert.Error(t, cfg.Validate())
	cfg.DepotRoot = "//depot"
	assert.NoError(t, cfg.Validate())
}

func ensureFail(t *testing.T, cfgString string, desc string) {
	_, err := Unmarshal([]byte(cfgString))
	if err == nil {
		t.Fatalf("Expected config err not found: %s", desc)
	}
	t.Logf("Config err: %v", err.Error())
}

func loadOrFail(t *testing.T, cfgString string) *Config {
	cfg, err := Unmarshal([]byte(cfgString))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err.Error())
	}
	return cfg
}
