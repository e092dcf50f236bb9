// Package migrate brings the formline database schema up to date from SQL
// files embedded in the binary. One file per version, named NNNN_label.sql;
// each version applies in its own transaction together with its ledger row,
// so a failed step leaves the database at the last good version.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

var fileRe = regexp.MustCompile(`^([0-9]{4})_([a-z0-9_]+)\.sql$`)

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  label TEXT NOT NULL,
  applied_at TEXT NOT NULL
);`

type step struct {
	version int
	label   string
	ddl     string
}

func steps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("migration file %s does not match NNNN_label.sql", entry.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		ddl, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: version, label: m[2], ddl: string(ddl)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i, s := range out {
		if s.version != i+1 {
			return nil, fmt.Errorf("migration versions must be contiguous from 1, got %04d_%s at position %d", s.version, s.label, i+1)
		}
	}
	return out, nil
}

// Version reports the applied schema version, 0 for a fresh database.
func Version(db *sql.DB) (int, error) {
	if _, err := db.Exec(ledgerDDL); err != nil {
		return 0, fmt.Errorf("create migration ledger: %w", err)
	}
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// Migrate applies every embedded step newer than the current version.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	current, err := Version(db)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := apply(db, s); err != nil {
			return fmt.Errorf("migration %04d_%s: %w", s.version, s.label, err)
		}
	}
	return nil
}

func apply(db *sql.DB, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.ddl); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version, label, applied_at) VALUES (?, ?, ?)`,
		s.version, s.label, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
