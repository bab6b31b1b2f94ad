package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/octoqueue/imq/internal/domain"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestLoadRequiresGitHubToken(t *testing.T) {
	withEnv(t, map[string]string{
		"IMQ_GITHUB_TOKEN": "",
		"IMQ_GITHUB_REPO":  "octo/queue",
	}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected an error when IMQ_GITHUB_TOKEN is unset")
		}
	})
}

func TestSplitOwnerRepoRejectsMalformedInput(t *testing.T) {
	for _, repo := range []string{"", "queue", "octo/", "/queue"} {
		if _, _, err := splitOwnerRepo(repo); err == nil {
			t.Fatalf("expected splitOwnerRepo(%q) to fail", repo)
		}
	}
}

func TestSplitOwnerRepoSplitsOnFirstSlash(t *testing.T) {
	owner, name, err := splitOwnerRepo("octo/queue/extra")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if owner != "octo" || name != "queue/extra" {
		t.Fatalf("expected octo/queue/extra to split as octo + queue/extra, got %s + %s", owner, name)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	withEnv(t, map[string]string{
		"IMQ_GITHUB_TOKEN":       "tok",
		"IMQ_GITHUB_REPO":        "octo/queue",
		"IMQ_TRIGGER_LABEL":      "",
		"IMQ_API_HOST":           "",
		"IMQ_API_PORT":           "",
		"IMQ_DATABASE_POOL_SIZE": "",
	}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.TriggerLabel != "A-merge" {
			t.Fatalf("expected default trigger label, got %q", cfg.TriggerLabel)
		}
		if cfg.DatabasePoolSize != 5 {
			t.Fatalf("expected default pool size 5, got %d", cfg.DatabasePoolSize)
		}
		if cfg.ProcessingInterval != 30*time.Second {
			t.Fatalf("expected default processing interval, got %v", cfg.ProcessingInterval)
		}
		if cfg.Addr() != "0.0.0.0:8080" {
			t.Fatalf("expected default addr, got %q", cfg.Addr())
		}
	})
}

func TestLoadParsesOwnerAndRepo(t *testing.T) {
	withEnv(t, map[string]string{
		"IMQ_GITHUB_TOKEN": "tok",
		"IMQ_GITHUB_REPO":  "octo/queue",
	}, func() {
		cfg, err := Load()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.GitHubOwner != "octo" || cfg.GitHubRepo != "queue" {
			t.Fatalf("expected octo/queue, got %s/%s", cfg.GitHubOwner, cfg.GitHubRepo)
		}
	})
}

func TestLoadRejectsInvalidPoolSize(t *testing.T) {
	withEnv(t, map[string]string{
		"IMQ_GITHUB_TOKEN":       "tok",
		"IMQ_GITHUB_REPO":        "octo/queue",
		"IMQ_DATABASE_POOL_SIZE": "not-a-number",
	}, func() {
		if _, err := Load(); err == nil {
			t.Fatal("expected an error for a non-numeric pool size")
		}
	})
}

func TestAddrCombinesHostAndPort(t *testing.T) {
	cfg := Config{APIHost: "127.0.0.1", APIPort: "9090"}
	if got := cfg.Addr(); got != "127.0.0.1:9090" {
		t.Fatalf("expected 127.0.0.1:9090, got %q", got)
	}
}

func TestLoadCheckConfigFromFileParsesDependenciesAndTimeout(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "checks.yaml")
	content := `
fail_fast: true
checks:
  - id: a
    name: lint
    kind: workflow
    timeout_seconds: 30
    params:
      workflow: lint.yml
  - id: b
    name: build
    kind: status_aggregate
    dependencies: ["a"]
`
	if err := os.WriteFile(tmpFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	cfg, err := LoadCheckConfigFromFile(tmpFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.FailFast {
		t.Fatal("expected fail_fast to be true")
	}
	if len(cfg.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(cfg.Checks))
	}
	if cfg.Checks[0].Kind != domain.CheckKindWorkflow {
		t.Fatalf("expected workflow kind, got %q", cfg.Checks[0].Kind)
	}
	if cfg.Checks[0].Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.Checks[0].Timeout)
	}
	if cfg.Checks[0].Params["workflow"] != "lint.yml" {
		t.Fatalf("expected workflow param, got %v", cfg.Checks[0].Params)
	}
	if len(cfg.Checks[1].Dependencies) != 1 || cfg.Checks[1].Dependencies[0] != "a" {
		t.Fatalf("expected check b to depend on a, got %v", cfg.Checks[1].Dependencies)
	}
}

func TestLoadCheckConfigFromFileRejectsMissingID(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "checks.yaml")
	content := `
checks:
  - name: lint
    kind: workflow
`
	if err := os.WriteFile(tmpFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if _, err := LoadCheckConfigFromFile(tmpFile); err == nil {
		t.Fatal("expected an error for a check missing its id")
	}
}

func TestLoadCheckConfigFromFileMissingFile(t *testing.T) {
	if _, err := LoadCheckConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a nonexistent file")
	}
}
