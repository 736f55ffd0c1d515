package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for processed items and
// artifact install history.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batch_items (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            error_kind TEXT,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS artifact_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            artifact TEXT NOT NULL,
            state TEXT NOT NULL,
            detail TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_batch_items_status ON batch_items(status);`,
		`CREATE INDEX IF NOT EXISTS idx_artifact_events_artifact ON artifact_events(artifact);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// ItemRecord captures one persisted batch item.
type ItemRecord struct {
	ID          string
	Status      string
	InputPath   string
	OutputPath  string
	ErrorKind   string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordItemQueued inserts a pending item.
func (s *Store) RecordItemQueued(rec ItemRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO batch_items (id, status, input_path, output_path) VALUES (?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.InputPath, rec.OutputPath)
	return err
}

// RecordItemStart marks an item as running.
func (s *Store) RecordItemStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batch_items SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordItemResult finalizes an item with its terminal status.
func (s *Store) RecordItemResult(id, status, outputPath, errKind, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE batch_items SET status=?, output_path=?, error_kind=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, outputPath, errKind, errMsg, id)
	return err
}

// RecentItems returns the latest items up to limit.
func (s *Store) RecentItems(limit int) ([]ItemRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, input_path, output_path, error_kind, error_message, created_at, started_at, completed_at FROM batch_items ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ItemRecord
	for rows.Next() {
		var rec ItemRecord
		var created time.Time
		var started, completed sql.NullTime
		var errKind, errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.InputPath, &rec.OutputPath, &errKind, &errMsg, &created, &started, &completed); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errKind.Valid {
			rec.ErrorKind = errKind.String
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordArtifactEvent appends one artifact state transition.
func (s *Store) RecordArtifactEvent(name, state, detail string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO artifact_events (artifact, state, detail) VALUES (?, ?, ?);`,
		name, state, detail)
	return err
}

// ArtifactEvent is one recorded install state transition.
type ArtifactEvent struct {
	Artifact  string
	State     string
	Detail    string
	CreatedAt time.Time
}

// ArtifactHistory returns the recorded transitions for one artifact,
// newest first.
func (s *Store) ArtifactHistory(name string, limit int) ([]ArtifactEvent, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT artifact, state, detail, created_at FROM artifact_events WHERE artifact=? ORDER BY created_at DESC LIMIT ?;`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ArtifactEvent
	for rows.Next() {
		var ev ArtifactEvent
		var detail sql.NullString
		if err := rows.Scan(&ev.Artifact, &ev.State, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail.Valid {
			ev.Detail = detail.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
