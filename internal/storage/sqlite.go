package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// tsLayout is fixed-width so timestamps stored as TEXT sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// parseTimestamp accepts tsLayout values and any other RFC 3339 form,
// with or without fractional seconds.
func parseTimestamp(column, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", column, err)
	}
	return t, nil
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding installations, engine runs and the
// session sync log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "inferhost.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Installations ---

// SaveInstallation records an installation, replacing any previous record
// for the same version and platform.
func (s *Store) SaveInstallation(in Installation) error {
	if in.InstalledAt.IsZero() {
		in.InstalledAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO installations (version, platform, root, executable, digest, size_bytes, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version, platform) DO UPDATE SET
			root = excluded.root, executable = excluded.executable, digest = excluded.digest,
			size_bytes = excluded.size_bytes, installed_at = excluded.installed_at`,
		in.Version, in.Platform, in.Root, in.Executable, in.Digest, in.SizeBytes,
		in.InstalledAt.UTC().Format(tsLayout),
	)
	return err
}

// GetInstallation returns the record for version on platform.
func (s *Store) GetInstallation(version, platform string) (Installation, error) {
	var in Installation
	var installedAt string
	err := s.db.QueryRow(`
		SELECT version, platform, root, executable, digest, size_bytes, installed_at
		FROM installations WHERE version = ? AND platform = ?`, version, platform,
	).Scan(&in.Version, &in.Platform, &in.Root, &in.Executable, &in.Digest, &in.SizeBytes, &installedAt)
	if err == sql.ErrNoRows {
		return Installation{}, ErrNotFound
	}
	if err != nil {
		return Installation{}, err
	}
	if in.InstalledAt, err = parseTimestamp("installed_at", installedAt); err != nil {
		return Installation{}, err
	}
	return in, nil
}

// ListInstallations returns every installation, newest first.
func (s *Store) ListInstallations() ([]Installation, error) {
	rows, err := s.db.Query(`
		SELECT version, platform, root, executable, digest, size_bytes, installed_at
		FROM installations ORDER BY installed_at DESC, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Installation{}
	for rows.Next() {
		var in Installation
		var installedAt string
		if err := rows.Scan(&in.Version, &in.Platform, &in.Root, &in.Executable, &in.Digest, &in.SizeBytes, &installedAt); err != nil {
			return nil, err
		}
		t, err := parseTimestamp("installed_at", installedAt)
		if err != nil {
			return nil, err
		}
		in.InstalledAt = t
		results = append(results, in)
	}
	return results, rows.Err()
}

// DeleteInstallation removes a record. Files on disk are untouched.
func (s *Store) DeleteInstallation(version, platform string) error {
	res, err := s.db.Exec(`DELETE FROM installations WHERE version = ? AND platform = ?`, version, platform)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Engine runs ---

// StartEngineRun records a spawned engine process.
func (s *Store) StartEngineRun(r EngineRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO engine_runs (id, version, pid, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Version, r.PID, r.StartedAt.UTC().Format(tsLayout),
	)
	return err
}

// FinishEngineRun marks a run stopped.
func (s *Store) FinishEngineRun(id string, stoppedAt time.Time, forced bool, exitErr string) error {
	res, err := s.db.Exec(`
		UPDATE engine_runs SET stopped_at = ?, forced_stop = ?, exit_error = ? WHERE id = ?`,
		stoppedAt.UTC().Format(tsLayout), boolToInt(forced), exitErr, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentEngineRuns returns up to limit runs, newest first.
func (s *Store) RecentEngineRuns(limit int) ([]EngineRun, error) {
	rows, err := s.db.Query(`
		SELECT id, version, pid, started_at, COALESCE(stopped_at, ''), forced_stop, exit_error
		FROM engine_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []EngineRun{}
	for rows.Next() {
		var r EngineRun
		var startedAt, stoppedAt string
		var forced int
		if err := rows.Scan(&r.ID, &r.Version, &r.PID, &startedAt, &stoppedAt, &forced, &r.ExitError); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTimestamp("started_at", startedAt); err != nil {
			return nil, err
		}
		if stoppedAt != "" {
			if r.StoppedAt, err = parseTimestamp("stopped_at", stoppedAt); err != nil {
				return nil, err
			}
		}
		r.ForcedStop = forced != 0
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Sync runs ---

// RecordSyncRun appends a reconciliation to the sync log.
func (s *Store) RecordSyncRun(r SyncRun) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_runs (id, started_at, duration_ms, local_count, remote_count, merged_count, pushed, offline, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC().Format(tsLayout), r.Duration.Milliseconds(),
		r.LocalCount, r.RemoteCount, r.MergedCount, boolToInt(r.Pushed), boolToInt(r.Offline), r.Error,
	)
	return err
}

// RecentSyncRuns returns up to limit sync runs, newest first.
func (s *Store) RecentSyncRuns(limit int) ([]SyncRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, duration_ms, local_count, remote_count, merged_count, pushed, offline, error
		FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []SyncRun{}
	for rows.Next() {
		var r SyncRun
		var startedAt string
		var durationMS int64
		var pushed, offline int
		if err := rows.Scan(&r.ID, &startedAt, &durationMS, &r.LocalCount, &r.RemoteCount, &r.MergedCount, &pushed, &offline, &r.Error); err != nil {
			return nil, err
		}
		t, err := parseTimestamp("started_at", startedAt)
		if err != nil {
			return nil, err
		}
		r.StartedAt = t
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Pushed = pushed != 0
		r.Offline = offline != 0
		results = append(results, r)
	}
	return results, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
