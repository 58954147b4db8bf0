// Package ystore implements durable append-only storage for document
// updates, keyed by document path. Four backends share one contract: a
// file per document, a shared SQLite database, a shared Postgres database,
// and a Redis list per document. Records are read back in append order.
package ystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDocumentNotFound is returned by Read when the store holds no
	// records for the document path.
	ErrDocumentNotFound = errors.New("document not found in store")

	// ErrNotStarted is returned when the store is used before Start.
	ErrNotStarted = errors.New("store not started")

	// ErrAlreadyStarted is returned by Start on a running store.
	ErrAlreadyStarted = errors.New("store already started")
)

// Record is one stored update with its caller-supplied metadata and the
// write time in seconds since the epoch.
type Record struct {
	Update    []byte
	Metadata  []byte
	Timestamp float64
}

// MetadataCallback produces the metadata attached to each written record.
// Exactly one of Sync or Async may be set; with neither, metadata is empty.
type MetadataCallback struct {
	Sync  func() []byte
	Async func(ctx context.Context) ([]byte, error)
}

// Get dispatches to whichever variant is set.
func (c MetadataCallback) Get(ctx context.Context) ([]byte, error) {
	switch {
	case c.Async != nil:
		return c.Async(ctx)
	case c.Sync != nil:
		return c.Sync(), nil
	default:
		return nil, nil
	}
}

// Doc is the document surface the store needs for replay and snapshotting.
// Implemented by ycrdt.Doc.
type Doc interface {
	ApplyUpdate(update []byte) error
	GetUpdate(stateVector []byte) ([]byte, error)
}

// Store is the common contract of all update store backends.
type Store interface {
	// Start initializes the backend. It is an error to start twice.
	Start(ctx context.Context) error
	// Stop drains in-flight writes and releases the backend's resources.
	Stop() error
	// Started is closed once the store is ready for reads and writes.
	Started() <-chan struct{}
	// Write durably appends one update record.
	Write(ctx context.Context, update []byte) error
	// Read calls yield for every record in append order. It returns
	// ErrDocumentNotFound when no records exist for this path.
	Read(ctx context.Context, yield func(Record) error) error
}

// EncodeStateAsUpdate writes the full state of doc as a single record.
func EncodeStateAsUpdate(ctx context.Context, store Store, doc Doc) error {
	update, err := doc.GetUpdate(nil)
	if err != nil {
		return err
	}
	return store.Write(ctx, update)
}

// ApplyUpdates replays every stored record into doc.
func ApplyUpdates(ctx context.Context, store Store, doc Doc) error {
	return store.Read(ctx, func(r Record) error {
		return doc.ApplyUpdate(r.Update)
	})
}

// lifecycle implements the started/stopped bookkeeping shared by backends.
type lifecycle struct {
	mu      sync.Mutex
	started chan struct{}
	running bool
}

func (l *lifecycle) markStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyStarted
	}
	l.running = true
	if l.started == nil {
		l.started = make(chan struct{})
	}
	close(l.started)
	return nil
}

func (l *lifecycle) markStopped() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return ErrNotStarted
	}
	l.running = false
	l.started = nil
	return nil
}

func (l *lifecycle) startedChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started == nil {
		l.started = make(chan struct{})
	}
	return l.started
}

func (l *lifecycle) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// nowSeconds is the record timestamp source, replaceable in tests.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// newPath returns path with an "(N)" suffix before the extension, choosing
// the lowest N that does not collide with an existing file.
func newPath(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
