package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migrationFile struct {
	version  int
	filename string
	sql      string
	checksum string
}

// loadMigrations reads the embedded migration scripts ordered by their
// numeric filename prefix (0001_, 0002_, ...).
func loadMigrations() ([]migrationFile, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}

	migrations := make([]migrationFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("store: read migration %s: %w", e.Name(), err)
		}
		var version int
		if _, err := fmt.Sscanf(e.Name(), "%04d_", &version); err != nil {
			return nil, fmt.Errorf("store: migration filename %q missing numeric prefix: %w", e.Name(), err)
		}
		sum := sha256.Sum256(body)
		migrations = append(migrations, migrationFile{
			version:  version,
			filename: e.Name(),
			sql:      string(body),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })

	seen := map[int]bool{}
	for _, m := range migrations {
		if seen[m.version] {
			return nil, fmt.Errorf("store: duplicate migration version %d (%s)", m.version, m.filename)
		}
		seen[m.version] = true
	}
	return migrations, nil
}

// MigrationDriftError is returned when a previously applied migration's
// content hash no longer matches the script on disk. Per spec §4.1 this
// must abort startup; it is never silently repaired.
type MigrationDriftError struct {
	Version          int
	Filename         string
	RecordedChecksum string
	CurrentChecksum  string
}

func (e *MigrationDriftError) Error() string {
	return fmt.Sprintf("store: migration drift detected for version %d (%s): recorded checksum %s, current %s",
		e.Version, e.Filename, e.RecordedChecksum, e.CurrentChecksum)
}

// migrate applies pending migrations in order inside a transaction each,
// recording filename and content hash, and fails closed on drift in an
// already-applied migration.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		filename TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: bootstrap schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied := map[int]struct {
		filename string
		checksum string
	}{}
	rows, err := db.QueryContext(ctx, `SELECT version, filename, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var f, c string
		if err := rows.Scan(&v, &f, &c); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan schema_migrations: %w", err)
		}
		applied[v] = struct {
			filename string
			checksum string
		}{f, c}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if prior, ok := applied[m.version]; ok {
			if prior.checksum != m.checksum {
				return &MigrationDriftError{
					Version:          m.version,
					Filename:         m.filename,
					RecordedChecksum: prior.checksum,
					CurrentChecksum:  m.checksum,
				}
			}
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration tx %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d (%s): %w", m.version, m.filename, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, filename, checksum, applied_at) VALUES (?, ?, ?, ?)`,
			m.version, m.filename, m.checksum, nowRFC3339(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
