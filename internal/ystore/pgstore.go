package ystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/ycrdt"
)

// PostgresStoreVersion is the schema version of PostgresStore, persisted in
// the ystore_version table.
const PostgresStoreVersion = 2

// PostgresStoreOptions configures a PostgresStore.
type PostgresStoreOptions struct {
	// DatabaseURL is a pgx connection string.
	DatabaseURL string
	// DocumentTTL squashes document history into one snapshot record on
	// write when the newest record is older than this. Zero means never
	// squash.
	DocumentTTL time.Duration
	// Metadata produces the metadata attached to each record.
	Metadata MetadataCallback
}

// PostgresStore stores the updates of all documents in one Postgres
// database, with the same logical schema as SQLiteStore. On a version
// mismatch the yupdates table is renamed aside and recreated.
type PostgresStore struct {
	lifecycle
	path string
	opts PostgresStoreOptions

	now func() float64

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store for the document at path.
func NewPostgresStore(path string, opts PostgresStoreOptions) *PostgresStore {
	return &PostgresStore{
		path: path,
		opts: opts,
		now:  nowSeconds,
	}
}

// Start connects the pool and ensures the schema.
func (s *PostgresStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	config, err := pgxpool.ParseConfig(s.opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := s.initSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	return s.markStarted()
}

func (s *PostgresStore) initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx,
		"CREATE TABLE IF NOT EXISTS ystore_version (version INTEGER NOT NULL)"); err != nil {
		return err
	}
	freshSchema := false
	var version int
	err := pool.QueryRow(ctx, "SELECT version FROM ystore_version").Scan(&version)
	switch {
	case err == pgx.ErrNoRows:
		freshSchema = true
	case err != nil:
		return err
	case version != PostgresStoreVersion:
		// rename the old data aside, lowest free suffix first
		for i := 1; ; i++ {
			renamed := fmt.Sprintf("yupdates_v%d_%d", version, i)
			var exists bool
			if err := pool.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
				renamed).Scan(&exists); err != nil {
				return err
			}
			if exists {
				continue
			}
			logger.Warn("store version mismatch, moving yupdates to %s", renamed)
			if _, err := pool.Exec(ctx,
				fmt.Sprintf("ALTER TABLE yupdates RENAME TO %s", renamed)); err != nil {
				return err
			}
			break
		}
		if _, err := pool.Exec(ctx, "DELETE FROM ystore_version"); err != nil {
			return err
		}
		freshSchema = true
	}

	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS yupdates (
			path TEXT NOT NULL,
			yupdate BYTEA,
			metadata BYTEA,
			timestamp DOUBLE PRECISION NOT NULL
		)`); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx,
		"CREATE INDEX IF NOT EXISTS idx_yupdates_path_timestamp ON yupdates (path, timestamp)"); err != nil {
		return err
	}
	if freshSchema {
		if _, err := pool.Exec(ctx,
			"INSERT INTO ystore_version (version) VALUES ($1)", PostgresStoreVersion); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains in-flight writes and closes the pool.
func (s *PostgresStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markStopped(); err != nil {
		return err
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// Started implements Store.
func (s *PostgresStore) Started() <-chan struct{} {
	return s.startedChan()
}

// Write appends one record, squashing expired history first when a document
// TTL is configured.
func (s *PostgresStore) Write(ctx context.Context, update []byte) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	metadata, err := s.opts.Metadata.Get(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if s.opts.DocumentTTL > 0 {
		var newest float64
		err := tx.QueryRow(ctx,
			"SELECT timestamp FROM yupdates WHERE path = $1 ORDER BY timestamp DESC LIMIT 1",
			s.path).Scan(&newest)
		switch {
		case err == pgx.ErrNoRows:
		case err != nil:
			return err
		case s.now()-newest > s.opts.DocumentTTL.Seconds():
			if err := s.squash(ctx, tx, metadata); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(ctx,
		"INSERT INTO yupdates VALUES ($1, $2, $3, $4)",
		s.path, update, metadata, s.now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) squash(ctx context.Context, tx pgx.Tx, metadata []byte) error {
	rows, err := tx.Query(ctx,
		"SELECT yupdate FROM yupdates WHERE path = $1 ORDER BY timestamp", s.path)
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

	if _, err := tx.Exec(ctx, "DELETE FROM yupdates WHERE path = $1", s.path); err != nil {
		return err
	}
	snapshot, err := doc.GetUpdate(nil)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO yupdates VALUES ($1, $2, $3, $4)",
		s.path, snapshot, metadata, s.now())
	return err
}

// Read implements Store.
func (s *PostgresStore) Read(ctx context.Context, yield func(Record) error) error {
	if !s.isRunning() {
		return ErrNotStarted
	}

	s.mu.Lock()
	rows, err := s.pool.Query(ctx,
		"SELECT yupdate, metadata, timestamp FROM yupdates WHERE path = $1 ORDER BY timestamp",
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
