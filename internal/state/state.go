// Package state persists the local, gitignored side-state poststack
// needs across invocations: generated postgres passwords, the
// last-known container id, and the last lifecycle phase per
// environment. The file never holds anything that can be derived from
// the project file or the running containers.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/lakowske/poststack/internal/poststack"
)

// DirName is the local state directory, created alongside the project file.
const DirName = ".poststack"

// FileName is the state file within DirName.
const FileName = "state.json"

// EnvironmentState is the per-environment persisted fields.
type EnvironmentState struct {
	PostgresPassword string `json:"postgres_password,omitempty"`
	LastContainerID  string `json:"last_container_id,omitempty"`
	// LastPhase is the orchestrator phase the environment was last left
	// in (up, stopped, degraded, down), so `poststack status` can report
	// a degraded environment after the process that degraded it exited.
	LastPhase string `json:"last_phase,omitempty"`
}

// State is the on-disk shape of .poststack/state.json.
type State struct {
	ProjectName  string                      `json:"project_name"`
	Environments map[string]EnvironmentState `json:"environments"`
}

// Store reads and writes State at a project root.
type Store struct {
	path string
}

// NewStore targets the state file under projectDir.
func NewStore(projectDir string) *Store {
	return &Store{path: filepath.Join(projectDir, DirName, FileName)}
}

// Load reads the state file, returning an empty State if it doesn't
// exist yet (first run).
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Environments: map[string]EnvironmentState{}}, nil
		}
		return nil, poststack.Wrap(poststack.ConfigInvalid, err, "state: cannot read %s", s.path)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, poststack.Wrap(poststack.ConfigInvalid, err, "state: invalid JSON in %s", s.path)
	}
	if st.Environments == nil {
		st.Environments = map[string]EnvironmentState{}
	}
	return &st, nil
}

// Save writes State to disk (0700 dir / 0600 file) and ensures the
// directory is gitignored, mirroring ensureGitignored in
// cli/cmd/secrets.go.
func (s *Store) Save(st *State) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return poststack.Wrap(poststack.ConfigInvalid, err, "state: cannot create %s", dir)
	}
	ensureGitignored(dir)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return poststack.Wrap(poststack.ConfigInvalid, err, "state: cannot marshal state")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return poststack.Wrap(poststack.ConfigInvalid, err, "state: cannot write %s", s.path)
	}
	return nil
}

// EnvironmentPostgresPassword returns the persisted password for an
// environment, or ("", false) if none has been generated yet.
func (st *State) EnvironmentPostgresPassword(env string) (string, bool) {
	e, ok := st.Environments[env]
	if !ok || e.PostgresPassword == "" {
		return "", false
	}
	return e.PostgresPassword, true
}

// SetEnvironmentPostgresPassword persists a generated password so the
// next `start` produces the same credential.
func (st *State) SetEnvironmentPostgresPassword(env, password string) {
	e := st.Environments[env]
	e.PostgresPassword = password
	st.Environments[env] = e
}

// EnvironmentPhase returns the last recorded orchestrator phase for an
// environment, or "" if none has been recorded.
func (st *State) EnvironmentPhase(env string) string {
	return st.Environments[env].LastPhase
}

// SetEnvironmentPhase records the orchestrator phase an environment was
// left in.
func (st *State) SetEnvironmentPhase(env, phase string) {
	e := st.Environments[env]
	e.LastPhase = phase
	st.Environments[env] = e
}

// SetEnvironmentContainerID records the last-known postgres container id.
func (st *State) SetEnvironmentContainerID(env, id string) {
	e := st.Environments[env]
	e.LastContainerID = id
	st.Environments[env] = e
}

// ensureGitignored appends ".poststack/state.json" to the project's
// .gitignore, tolerating a missing file. Generated credentials must
// never end up in version control.
func ensureGitignored(stateDir string) {
	projectRoot := filepath.Dir(stateDir)
	gitignorePath := filepath.Join(projectRoot, ".gitignore")

	data, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	pattern := DirName + "/" + FileName
	if strings.Contains(string(data), pattern) {
		return
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString("\n# poststack local state (do not commit)\n" + pattern + "\n")
}
