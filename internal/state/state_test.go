package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Environments) != 0 {
		t.Errorf("expected empty state, got %+v", st)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	st, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st.ProjectName = "myapp"
	st.SetEnvironmentPostgresPassword("dev", "generated-pw")
	st.SetEnvironmentContainerID("dev", "abc123")

	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	pw, ok := reloaded.EnvironmentPostgresPassword("dev")
	if !ok || pw != "generated-pw" {
		t.Errorf("password = (%q, %v), want (generated-pw, true)", pw, ok)
	}
	if reloaded.Environments["dev"].LastContainerID != "abc123" {
		t.Errorf("unexpected container id: %+v", reloaded.Environments["dev"])
	}
}

func TestSaveCreatesGitignoreEntry(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	st, _ := store.Load()
	st.SetEnvironmentPostgresPassword("dev", "pw")
	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil {
		t.Fatalf("reading .gitignore: %v", err)
	}
	if !strings.Contains(string(data), ".poststack/state.json") {
		t.Errorf(".gitignore missing state file entry: %q", data)
	}
}
