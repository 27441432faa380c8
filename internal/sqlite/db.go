package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store persists the score baseline, resolved attacks and statistics snapshots.
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, cachedAttacks]
}

// Open creates the database file and schema if needed. cacheSize bounds the
// per-IP attack lookup cache.
func Open(dbPath string, cacheSize int) (*Store, error) {
	zap.L().Info("Initializing SQLite database", zap.String("dbPath", dbPath))

	if dir := filepath.Dir(dbPath); dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		zap.L().Error("Failed to open SQLite database", zap.String("dbPath", dbPath), zap.Error(err))
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := bootstrapSchema(db); err != nil {
		zap.L().Error("Failed to initialize SQLite schema", zap.Error(err))
		_ = db.Close()
		return nil, err
	}

	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, cachedAttacks](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	zap.L().Info("SQLite initialization complete", zap.Int("cacheEntries", cacheSize))
	return &Store{db: db, cache: cache}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func bootstrapSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS score_baseline (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data_points TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS attack_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_ip TEXT NOT NULL,
		attack_type TEXT NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		packet_count INTEGER,
		byte_count INTEGER,
		intensity REAL,
		status TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attack_history_ip ON attack_history (source_ip);
	CREATE TABLE IF NOT EXISTS stats_snapshots (
		taken_at DATETIME PRIMARY KEY,
		total_packets INTEGER,
		allowed_packets INTEGER,
		denied_packets INTEGER,
		dropped_packets INTEGER,
		active_connections INTEGER,
		attacks_detected INTEGER,
		ips_blocked INTEGER,
		threat_level TEXT
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema statement: %w", err)
	}
	return nil
}
