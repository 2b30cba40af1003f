package storage

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one numbered schema change, loaded from NNN_name.sql.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// Migrator applies the embedded schema migrations in version order and
// records each in schema_migrations.
type Migrator struct {
	client     *ClickHouseClient
	migrations fs.FS
	logger     *slog.Logger
}

// NewMigrator creates a Migrator for the embedded migrations.
func NewMigrator(client *ClickHouseClient, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return &Migrator{client: client, migrations: sub, logger: logger}
}

// Run applies every migration not yet recorded. An applied migration whose
// file has since changed is logged and left alone.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.client.Exec(ctx, createMigrationsTable); err != nil {
		return opError("Migrate", "schema_migrations", ErrQueryFailed, err)
	}

	migrations, err := loadMigrations(m.migrations)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return opError("Migrate", "schema_migrations", ErrQueryFailed, err)
	}

	for _, mig := range pending(migrations, applied, m.logger) {
		m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)

		for _, stmt := range splitStatements(mig.SQL) {
			if stmt = stripComments(stmt); stmt == "" {
				continue
			}
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
			}
		}

		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
			uint32(mig.Version), mig.Name, mig.Checksum,
		); err != nil {
			return fmt.Errorf("record migration %03d: %w", mig.Version, err)
		}
	}
	return nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version UInt32,
		name String,
		checksum String,
		applied_at DateTime DEFAULT now()
	)
	ENGINE = ReplacingMergeTree()
	ORDER BY version
`

// pending filters out applied versions, warning on checksum drift.
func pending(all []Migration, applied map[int]string, logger *slog.Logger) []Migration {
	var out []Migration
	for _, mig := range all {
		sum, ok := applied[mig.Version]
		if !ok {
			out = append(out, mig)
			continue
		}
		if sum != "" && sum != mig.Checksum {
			logger.Warn("applied migration has changed on disk",
				"version", mig.Version,
				"name", mig.Name,
			)
		}
	}
	return out
}

// loadMigrations reads NNN_name.sql files from fsys sorted by version.
// Other files are ignored; two files with one version are an error.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		file := entry.Name()
		base, ok := strings.CutSuffix(file, ".sql")
		if entry.IsDir() || !ok {
			continue
		}
		num, name, ok := strings.Cut(base, "_")
		if !ok || name == "" {
			continue
		}
		version, err := strconv.Atoi(num)
		if err != nil || version <= 0 {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev, file)
		}
		seen[version] = file

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.client.Query(ctx, "SELECT version, checksum FROM schema_migrations FINAL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			version uint32
			sum     string
		)
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[int(version)] = sum
	}
	return applied, rows.Err()
}

// splitStatements splits SQL on semicolons outside quoted strings.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)

	for i, char := range sql {
		if !inString {
			if char == '\'' || char == '"' {
				inString = true
				stringChar = char
			} else if char == ';' {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
				continue
			}
		} else if char == stringChar {
			// Doubled quote is an escape.
			if i+1 < len(sql) && rune(sql[i+1]) == stringChar {
				current.WriteRune(char)
				continue
			}
			inString = false
		}
		current.WriteRune(char)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// stripComments drops whole-line "--" comments from a statement.
func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
