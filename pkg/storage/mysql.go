package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/lieyan666/FireProxy/pkg/stats"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements Store using a MySQL database
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore creates a new MySQL-backed store from a DSN
func NewMySQLStore(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	store := &MySQLStore{db: db}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initDB initializes the database schema
func (s *MySQLStore) initDB() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stats_samples (
		id BIGINT PRIMARY KEY AUTO_INCREMENT,
		proxy_id VARCHAR(64) NOT NULL,
		taken_at DATETIME NOT NULL,
		snapshot TEXT NOT NULL,
		INDEX idx_samples_proxy (proxy_id, taken_at DESC)
	)`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSample persists one observation
func (s *MySQLStore) SaveSample(sample Sample) error {
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
func (s *MySQLStore) RecentSamples(proxyID string, limit int) ([]Sample, error) {
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
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
