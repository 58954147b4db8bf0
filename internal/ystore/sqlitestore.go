package ystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/ycrdt"
)

// SQLiteStoreVersion is the schema version of SQLiteStore, persisted in
// PRAGMA user_version.
const SQLiteStoreVersion = 2

// SQLiteStoreOptions configures a SQLiteStore.
type SQLiteStoreOptions struct {
	// DBPath is the database file, shared by every document. Defaults to
	// "ystore.db".
	DBPath string
	// DocumentTTL squashes document history into one snapshot record on
	// write when the newest record is older than this. Zero means never
	// squash.
	DocumentTTL time.Duration
	// Metadata produces the metadata attached to each record.
	Metadata MetadataCallback
}

// SQLiteStore stores the updates of all documents in one SQLite database,
// one row per record.
type SQLiteStore struct {
	lifecycle
	path string
	opts SQLiteStoreOptions

	now func() float64

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates a store for the document at path.
func NewSQLiteStore(path string, opts SQLiteStoreOptions) *SQLiteStore {
	if opts.DBPath == "" {
		opts.DBPath = "ystore.db"
	}
	return &SQLiteStore{
		path: path,
		opts: opts,
		now:  nowSeconds,
	}
}

// DBPath returns the database file backing this store.
func (s *SQLiteStore) DBPath() string {
	return s.opts.DBPath
}

// Start opens the database, creating the schema if needed. A database whose
// user_version differs from SQLiteStoreVersion is moved aside and recreated.
func (s *SQLiteStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.opts.DBPath); err == nil {
		db, err := sql.Open("sqlite", s.opts.DBPath)
		if err != nil {
			return err
		}
		var tables int
		err = db.QueryRowContext(ctx,
			"SELECT count(name) FROM sqlite_master WHERE type='table' AND name='yupdates'").
			Scan(&tables)
		if err != nil {
			db.Close()
			return err
		}
		mismatch := false
		if tables > 0 {
			var version int
			if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
				db.Close()
				return err
			}
			mismatch = version != SQLiteStoreVersion
		}
		db.Close()
		if mismatch {
			moved := newPath(s.opts.DBPath)
			logger.Warn("store version mismatch, moving %s to %s", s.opts.DBPath, moved)
			if err := os.Rename(s.opts.DBPath, moved); err != nil {
				return err
			}
		}
	}

	db, err := sql.Open("sqlite", s.opts.DBPath)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS yupdates (
			path TEXT NOT NULL,
			yupdate BLOB,
			metadata BLOB,
			timestamp REAL NOT NULL
		)`); err != nil {
		db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_yupdates_path_timestamp ON yupdates (path, timestamp)"); err != nil {
		db.Close()
		return err
	}
	if _, err := db.ExecContext(ctx,
		fmt.Sprintf("PRAGMA user_version = %d", SQLiteStoreVersion)); err != nil {
		db.Close()
		return err
	}
	s.db = db
	return s.markStarted()
}

// Stop drains in-flight writes and closes the database.
func (s *SQLiteStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markStopped(); err != nil {
		return err
	}
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Started implements Store.
func (s *SQLiteStore) Started() <-chan struct{} {
	return s.startedChan()
}

// Write appends one record. When a document TTL is configured and the
// newest record for this path is older than the TTL, the path's history is
// first squashed into a single snapshot record, leaving exactly two rows.
func (s *SQLiteStore) Write(ctx context.Context, update []byte) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	metadata, err := s.opts.Metadata.Get(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.opts.DocumentTTL > 0 {
		var newest float64
		err := tx.QueryRowContext(ctx,
			"SELECT timestamp FROM yupdates WHERE path = ? ORDER BY timestamp DESC LIMIT 1",
			s.path).Scan(&newest)
		switch err {
		case nil:
			if s.now()-newest > s.opts.DocumentTTL.Seconds() {
				if err := s.squash(ctx, tx, metadata); err != nil {
					return err
				}
			}
		case sql.ErrNoRows:
		default:
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO yupdates VALUES (?, ?, ?, ?)",
		s.path, update, metadata, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// squash replays the path's history into a fresh document, deletes the
// rows, and inserts one snapshot record. Callers hold the transaction.
func (s *SQLiteStore) squash(ctx context.Context, tx *sql.Tx, metadata []byte) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT yupdate FROM yupdates WHERE path = ? ORDER BY timestamp", s.path)
	if err != nil {
		return err
	}
	doc := ycrdt.NewDoc()
	for rows.Next() {
		var update []byte
		if err := rows.Scan(&update); err != nil {
			rows.Close()
			return err
		}
		if err := doc.ApplyUpdate(update); err != nil {
			rows.Close()
			return err
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, "DELETE FROM yupdates WHERE path = ?", s.path); err != nil {
		return err
	}
	snapshot, err := doc.GetUpdate(nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO yupdates VALUES (?, ?, ?, ?)",
		s.path, snapshot, metadata, s.now())
	return err
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, yield func(Record) error) error {
	if !s.isRunning() {
		return ErrNotStarted
	}

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT yupdate, metadata, timestamp FROM yupdates WHERE path = ? ORDER BY timestamp, rowid",
		s.path)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Update, &r.Metadata, &r.Timestamp); err != nil {
			rows.Close()
			s.mu.Unlock()
			return err
		}
		records = append(records, r)
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrDocumentNotFound
	}
	for _, r := range records {
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}
