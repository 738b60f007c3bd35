package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lakowske/poststack/internal/poststack"
)

// ────────────────────────────────────────────────────────────────────────────
// ExitCode / suggestion (root.go)
// ────────────────────────────────────────────────────────────────────────────

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"config invalid", poststack.New(poststack.ConfigInvalid, "bad file"), 2},
		{"database unreachable", poststack.New(poststack.DatabaseUnreachable, "refused"), 3},
		{"migration failed", poststack.New(poststack.MigrationFailed, "syntax error"), 4},
		{"lock held", poststack.New(poststack.LockHeld, "held"), 4},
		{"checksum mismatch", poststack.New(poststack.ChecksumMismatch, "drift"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestSuggestionNamesRemediation(t *testing.T) {
	tests := []struct {
		kind poststack.Kind
		want string
	}{
		{poststack.LockHeld, "poststack clear-locks"},
		{poststack.ChecksumMismatch, "poststack repair --kind checksum_mismatch --force"},
		{poststack.PartialMigration, "poststack diagnose"},
		{poststack.ConfigInvalid, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := suggestion(tt.kind); got != tt.want {
				t.Errorf("suggestion(%s) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

// ────────────────────────────────────────────────────────────────────────────
// resolveProjectDir (helpers.go)
// ────────────────────────────────────────────────────────────────────────────

func TestResolveProjectDirPrefersFlag(t *testing.T) {
	dir := t.TempDir()
	projectDir = dir
	defer func() { projectDir = "" }()

	got, err := resolveProjectDir()
	if err != nil {
		t.Fatalf("resolveProjectDir: %v", err)
	}
	if got != dir {
		t.Errorf("resolveProjectDir() = %q, want %q", got, dir)
	}
}

func TestResolveProjectDirFindsProjectFileInCwd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ProjectFileName), []byte("environment: dev\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(orig)

	projectDir = ""
	got, err := resolveProjectDir()
	if err != nil {
		t.Fatalf("resolveProjectDir: %v", err)
	}
	// macOS tempdirs resolve through symlinks; compare the project file.
	if _, err := os.Stat(filepath.Join(got, ProjectFileName)); err != nil {
		t.Errorf("resolved dir %q has no project file: %v", got, err)
	}
}

func TestResolveProjectDirFailsOutsideProject(t *testing.T) {
	dir := t.TempDir()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(orig)

	projectDir = ""
	if _, err := resolveProjectDir(); err == nil {
		t.Error("expected an error outside a project root")
	}
}

// ────────────────────────────────────────────────────────────────────────────
// envArg (helpers.go)
// ────────────────────────────────────────────────────────────────────────────

func TestEnvArg(t *testing.T) {
	if got := envArg([]string{"staging"}); got != "staging" {
		t.Errorf("envArg = %q, want staging", got)
	}
	if got := envArg(nil); got != "" {
		t.Errorf("envArg(nil) = %q, want empty", got)
	}
}
