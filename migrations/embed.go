// Package migrations holds the embedded database schema migrations and the
// runner that applies them. Migration files follow a strict naming standard
// (001_name.up.sql / 001_name.down.sql) and are validated for format,
// up/down pairing, and a gapless sequence before any operation touches the
// database.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedFiles embed.FS

// Migration filename standard: 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// ErrNoMigrations is returned when the filesystem contains no conforming
// migration files.
var ErrNoMigrations = errors.New("no migration files found")

// Migration describes one parsed migration file.
type Migration struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

// Source validates the embedded migrations and returns them as a filesystem
// suitable for the iofs source driver.
func Source() (fs.FS, error) {
	if err := Validate(embeddedFiles); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	return embeddedFiles, nil
}

// List returns the conforming migration filenames in a filesystem, sorted
// lexicographically. Files that do not match the naming standard are
// ignored here and rejected by Validate.
func List(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if name := entry.Name(); filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Parse extracts the sequence, name, and direction from a migration
// filename, rejecting names outside the standard.
func Parse(filename string) (Migration, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return Migration{}, fmt.Errorf(
			"invalid migration filename %q (expected 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Migration{}, fmt.Errorf("invalid sequence number in %q: %w", filename, err)
	}

	return Migration{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Validate checks a migration filesystem end to end: every .sql file must
// match the naming standard and be readable, every up migration must have a
// down counterpart and vice versa, and sequence numbers must start at 001
// with no gaps.
func Validate(fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byKey := make(map[string]map[string]Migration)
	sequences := make(map[int]bool)
	total := 0

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}

		migration, err := Parse(entry.Name())
		if err != nil {
			return err
		}

		if _, err := fs.ReadFile(fsys, entry.Name()); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		key := fmt.Sprintf("%03d_%s", migration.Sequence, migration.Name)
		if byKey[key] == nil {
			byKey[key] = make(map[string]Migration)
		}

		byKey[key][migration.Direction] = migration
		sequences[migration.Sequence] = true
		total++
	}

	if total == 0 {
		return ErrNoMigrations
	}

	for key, directions := range byKey {
		if _, ok := directions["up"]; !ok {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if _, ok := directions["down"]; !ok {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	ordered := make([]int, 0, len(sequences))
	for seq := range sequences {
		ordered = append(ordered, seq)
	}

	sort.Ints(ordered)

	if ordered[0] != 1 {
		return fmt.Errorf("migration sequence must start at 001, found %03d", ordered[0])
	}

	for i := 1; i < len(ordered); i++ {
		if ordered[i] != ordered[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				ordered[i-1]+1, ordered[i],
			)
		}
	}

	return nil
}

// LatestVersion returns the highest migration sequence number present in a
// filesystem, or zero when it holds no conforming files.
func LatestVersion(fsys fs.FS) (int, error) {
	files, err := List(fsys)
	if err != nil {
		return 0, err
	}

	latest := 0

	for _, filename := range files {
		migration, err := Parse(filename)
		if err != nil {
			continue
		}

		if migration.Sequence > latest {
			latest = migration.Sequence
		}
	}

	return latest, nil
}
