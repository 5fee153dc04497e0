package learnhub

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ============================================================================
// SQLiteMirror
// ============================================================================

// SQLiteMirror is a Mirror persisted to a local sqlite file, surviving
// process restarts. One row per mirror key; a payload write and its ledger
// update commit in the same transaction.
type SQLiteMirror struct {
	mirrorStore
	db *sql.DB
}

// NewSQLiteMirror opens or creates the mirror database at path.
// Pass nil for log to disable logging.
func NewSQLiteMirror(path string, log *zap.Logger) (*SQLiteMirror, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}

	m := &SQLiteMirror{db: db}
	m.init(&sqliteKV{db: db, log: log})
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate mirror database: %w", err)
	}
	return m, nil
}

// Close closes the underlying database.
func (m *SQLiteMirror) Close() error {
	return m.db.Close()
}

func (m *SQLiteMirror) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mirror (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	_, err := m.db.Exec(schema)
	return err
}

// ============================================================================
// sqlite backend
// ============================================================================

type sqliteKV struct {
	db  *sql.DB
	log *zap.Logger
}

func (kv *sqliteKV) get(key string) ([]byte, bool) {
	var value []byte
	err := kv.db.QueryRow(`SELECT value FROM mirror WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			kv.log.Warn("mirror read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return value, true
}

func (kv *sqliteKV) put(pairs map[string][]byte) error {
	tx, err := kv.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mirror write: %w", err)
	}
	for key, value := range pairs {
		if _, err := tx.Exec(
			`INSERT INTO mirror (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("write mirror key %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (kv *sqliteKV) clear() error {
	if _, err := kv.db.Exec(`DELETE FROM mirror`); err != nil {
		return fmt.Errorf("clear mirror: %w", err)
	}
	return nil
}
