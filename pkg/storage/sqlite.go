package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/lieyan666/FireProxy/pkg/stats"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store
func NewSQLiteStore(dbPath string) (Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initDB initializes the database schema
func (s *SQLiteStore) initDB() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stats_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proxy_id TEXT NOT NULL,
		taken_at DATETIME NOT NULL,
		snapshot TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_proxy ON stats_samples(proxy_id, taken_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSample persists one observation
func (s *SQLiteStore) SaveSample(sample Sample) error {
	payload, err := json.Marshal(sample.Snapshot)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO stats_samples (proxy_id, taken_at, snapshot) VALUES (?, ?, ?)`,
		sample.ProxyID, sample.TakenAt, string(payload))
	return err
}

// RecentSamples returns up to limit samples for a proxy id, newest first
func (s *SQLiteStore) RecentSamples(proxyID string, limit int) ([]Sample, error) {
	rows, err := s.db.Query(
		`SELECT proxy_id, taken_at, snapshot FROM stats_samples
		 WHERE proxy_id = ? ORDER BY taken_at DESC LIMIT ?`,
		proxyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sample Sample
		var payload string
		if err := rows.Scan(&sample.ProxyID, &sample.TakenAt, &payload); err != nil {
			return nil, err
		}
		var snap stats.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, err
		}
		sample.Snapshot = snap
		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

// Close releases the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
