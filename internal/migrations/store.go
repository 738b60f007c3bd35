// Package migrations implements MigrationStore: the read-only view of
// the on-disk migration set — discovery, forward/rollback
// pairing, checksumming, and ordering. It never touches a database; see
// internal/tracker for the persisted side and internal/migrate for the
// runner that ties the two together.
package migrations

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lakowske/poststack/internal/poststack"
)

// fileNamePattern matches "<version>_<slug>.sql" and
// "<version>_<slug>.rollback.sql".
var fileNamePattern = regexp.MustCompile(`^(?P<version>\d+)_(?P<slug>[A-Za-z0-9_-]+?)(?P<suffix>(\.rollback)?)\.sql$`)

// Migration is an immutable forward/rollback SQL pair identified by a
// unique version string.
type Migration struct {
	Version           string
	Description        string
	ForwardSQL         string
	RollbackSQL        string // empty if absent
	HasRollback        bool
	ForwardChecksum    string
	RollbackChecksum   string // empty if HasRollback is false
	ForwardPath        string
	RollbackPath       string
}

// NumericVersion parses the leading integer of a version string for
// ordering; version strings sort by the numeric value of the leading
// integer. Exported so internal/migrate can order and
// compare tracker rows (whose version column is TEXT) the same way.
func NumericVersion(version string) int64 {
	n, _ := strconv.ParseInt(strings.TrimLeft(version, "0"), 10, 64)
	return n
}

// Checksum computes the stable content hash used throughout the system:
// SHA-256 over the file bytes with a trailing newline stripped, so
// trivial editor whitespace changes don't produce spurious drift.
func Checksum(content []byte) string {
	normalized := strings.TrimRight(string(content), "\n")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Discover scans dir for migration files and returns them ordered by
// numeric version ascending. Duplicate versions (e.g. two forward
// files resolving to the same version) are a fatal ConfigInvalid error.
func Discover(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, poststack.Wrap(poststack.ConfigInvalid, err, "migrations: cannot read directory %s", dir)
	}

	type group struct {
		forwardPath, rollbackPath string
		slug                      string
	}
	groups := map[string]*group{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version := m[1]
		slug := m[2]
		isRollback := m[3] == ".rollback"

		g, ok := groups[version]
		if !ok {
			g = &group{slug: slug}
			groups[version] = g
		}

		path := filepath.Join(dir, entry.Name())
		if isRollback {
			if g.rollbackPath != "" {
				return nil, poststack.New(poststack.ConfigInvalid, "migrations: duplicate rollback file for version %s (%s and %s)", version, g.rollbackPath, path)
			}
			g.rollbackPath = path
		} else {
			if g.forwardPath != "" {
				return nil, poststack.New(poststack.ConfigInvalid, "migrations: duplicate version %s (%s and %s)", version, g.forwardPath, path)
			}
			g.forwardPath = path
			g.slug = slug
		}
	}

	var out []Migration
	for version, g := range groups {
		if g.forwardPath == "" {
			return nil, poststack.New(poststack.ConfigInvalid, "migrations: version %s has a rollback file but no forward file", version)
		}

		forwardBytes, err := os.ReadFile(g.forwardPath)
		if err != nil {
			return nil, poststack.Wrap(poststack.ConfigInvalid, err, "migrations: cannot read %s", g.forwardPath)
		}

		mig := Migration{
			Version:         version,
			Description:     describeSlug(g.slug),
			ForwardSQL:      string(forwardBytes),
			ForwardChecksum: Checksum(forwardBytes),
			ForwardPath:     g.forwardPath,
		}

		if g.rollbackPath != "" {
			rollbackBytes, err := os.ReadFile(g.rollbackPath)
			if err != nil {
				return nil, poststack.Wrap(poststack.ConfigInvalid, err, "migrations: cannot read %s", g.rollbackPath)
			}
			mig.HasRollback = true
			mig.RollbackSQL = string(rollbackBytes)
			mig.RollbackChecksum = Checksum(rollbackBytes)
			mig.RollbackPath = g.rollbackPath
		}

		out = append(out, mig)
	}

	sort.Slice(out, func(i, j int) bool {
		return NumericVersion(out[i].Version) < NumericVersion(out[j].Version)
	})

	return out, nil
}

// describeSlug turns "add_users_table" into "add users table".
func describeSlug(slug string) string {
	return strings.ReplaceAll(slug, "_", " ")
}
