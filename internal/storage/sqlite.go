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

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store indexes generation records and their artifacts in SQLite and owns
// the on-disk results layout (<dataDir>/models/<generation_id>/...).
type Store struct {
	db        *sql.DB
	modelsDir string
}

// Open opens (or creates) the database in dataDir, runs pending migrations,
// and ensures the models directory exists. Pass ":memory:" as dataDir for an
// in-memory database rooted in a temporary models directory (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn, modelsDir string
	if dataDir == ":memory:" {
		dsn = ":memory:"
		dir, err := os.MkdirTemp("", "instructmesh-models-")
		if err != nil {
			return nil, fmt.Errorf("creating temporary models directory: %w", err)
		}
		modelsDir = filepath.Join(dir, modelsDirName)
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "instructmesh.db")
		modelsDir = filepath.Join(dataDir, modelsDirName)
	}

	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating models directory: %w", err)
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

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, modelsDir: modelsDir}
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

// ModelsDir returns the root directory that holds one folder per generation.
func (s *Store) ModelsDir() string {
	return s.modelsDir
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
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

// --- Generations ---

// AllocateGeneration derives a generation id from the timestamp, appending a
// numeric suffix until it finds an id whose folder does not exist yet. The
// folder is created and the record inserted before returning, so the caller
// owns the directory exclusively.
func (s *Store) AllocateGeneration(now time.Time, source, prompt string, seed int) (Generation, error) {
	baseID := now.Format(generationIDPattern)
	id := baseID
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(s.modelsDir, id)); os.IsNotExist(err) {
			break
		}
		id = fmt.Sprintf("%s_%d", baseID, n)
	}

	folder := filepath.Join(s.modelsDir, id)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return Generation{}, fmt.Errorf("creating generation folder: %w", err)
	}

	g := Generation{
		ID:        id,
		CreatedAt: now.UTC(),
		Source:    source,
		Prompt:    prompt,
		Seed:      seed,
		Folder:    folder,
	}
	_, err := s.db.Exec(`
		INSERT INTO generations (id, created_at, source, prompt, seed, folder)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.CreatedAt.Format(time.RFC3339), g.Source, g.Prompt, g.Seed, g.Folder,
	)
	if err != nil {
		return Generation{}, fmt.Errorf("inserting generation: %w", err)
	}
	return g, nil
}

// GetGeneration returns the record for id, or ErrNotFound.
func (s *Store) GetGeneration(id string) (Generation, error) {
	var g Generation
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, created_at, source, prompt, seed, folder
		FROM generations WHERE id = ?`, id,
	).Scan(&g.ID, &createdAt, &g.Source, &g.Prompt, &g.Seed, &g.Folder)
	if err == sql.ErrNoRows {
		return Generation{}, ErrNotFound
	}
	if err != nil {
		return Generation{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Generation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	g.CreatedAt = t
	return g, nil
}

// GenerationFolder returns the folder a generation id maps to. The folder is
// derived from the layout, not the database, so files written by earlier
// server runs stay reachable.
func (s *Store) GenerationFolder(id string) string {
	return filepath.Join(s.modelsDir, filepath.Base(id))
}

// ListGenerations returns the most recent generations, newest first.
func (s *Store) ListGenerations(limit int) ([]Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, source, prompt, seed, folder
		FROM generations ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Generation
	for rows.Next() {
		var g Generation
		var createdAt string
		if err := rows.Scan(&g.ID, &createdAt, &g.Source, &g.Prompt, &g.Seed, &g.Folder); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		g.CreatedAt = t
		results = append(results, g)
	}
	return results, rows.Err()
}

// --- Artifacts ---

// SetArtifact records (or replaces) the path for one artifact of a sample.
func (s *Store) SetArtifact(generationID string, sample int, kind ArtifactKind, path string) error {
	_, err := s.db.Exec(`
		INSERT INTO artifacts (generation_id, sample, kind, path) VALUES (?, ?, ?, ?)
		ON CONFLICT(generation_id, sample, kind) DO UPDATE SET path = excluded.path`,
		generationID, sample, string(kind), path,
	)
	return err
}

// GetBundle returns the recorded artifacts of one sample as a Bundle.
// Unrecorded kinds are left empty.
func (s *Store) GetBundle(generationID string, sample int) (Bundle, error) {
	rows, err := s.db.Query(`
		SELECT kind, path FROM artifacts
		WHERE generation_id = ? AND sample = ?`, generationID, sample,
	)
	if err != nil {
		return Bundle{}, err
	}
	defer rows.Close()

	var b Bundle
	for rows.Next() {
		var kind, path string
		if err := rows.Scan(&kind, &path); err != nil {
			return Bundle{}, err
		}
		b.Set(ArtifactKind(kind), path)
	}
	return b, rows.Err()
}

// --- Runs ---

// SaveRun inserts a run record.
func (s *Store) SaveRun(r Run) error {
	status := r.Status
	if status == "" {
		status = "running"
	}
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, kind, generation_id, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.GenerationID, status, r.Error,
		r.StartedAt.UTC().Format(time.RFC3339), finished,
	)
	return err
}

// FinishRun marks a run as completed or failed.
func (s *Store) FinishRun(id, status, errMsg string, finishedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, finishedAt.UTC().Format(time.RFC3339), id,
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

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, kind, generation_id, status, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Run
	for rows.Next() {
		var r Run
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.GenerationID, &r.Status, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		r.StartedAt = t
		if finishedAt.Valid && finishedAt.String != "" {
			if ft, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
				r.FinishedAt = ft
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
