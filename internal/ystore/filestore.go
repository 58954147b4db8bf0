package ystore

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/ysync"
)

// FileStoreVersion is the on-disk format version of FileStore.
const FileStoreVersion = 2

const versionPrefix = "VERSION:"

// FileStore keeps one append-only file per document. The file starts with
// a "VERSION:<n>\n" header followed by varint-framed
// (update, metadata, timestamp) triples; the timestamp is an 8-byte
// little-endian IEEE-754 float.
type FileStore struct {
	lifecycle
	path     string
	metadata MetadataCallback

	// now is replaceable in tests.
	now func() float64

	mu sync.Mutex
}

// NewFileStore creates a file store writing to path. Parent directories are
// created on first write.
func NewFileStore(path string, metadata MetadataCallback) *FileStore {
	return &FileStore{
		path:     path,
		metadata: metadata,
		now:      nowSeconds,
	}
}

// NewTempFileStore creates a file store under a fresh directory in the
// system temporary directory.
func NewTempFileStore(prefix, name string, metadata MetadataCallback) (*FileStore, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, err
	}
	return NewFileStore(filepath.Join(dir, name), metadata), nil
}

// Path returns the file path backing this store.
func (s *FileStore) Path() string {
	return s.path
}

// Start marks the store ready. The file itself is touched lazily on the
// first read or write.
func (s *FileStore) Start(ctx context.Context) error {
	return s.markStarted()
}

// Stop drains in-flight writes and marks the store stopped.
func (s *FileStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markStopped()
}

// Started implements Store.
func (s *FileStore) Started() <-chan struct{} {
	return s.startedChan()
}

// checkVersion validates the header, moving a mismatched file aside and
// writing a fresh header. It returns the offset where record data starts.
// Callers hold s.mu.
func (s *FileStore) checkVersion() (int64, error) {
	header := fmt.Sprintf("%s%d\n", versionPrefix, FileStoreVersion)

	f, err := os.Open(s.path)
	switch {
	case os.IsNotExist(err):
		// fresh store below
	case err != nil:
		return 0, err
	default:
		mismatch := true
		buf := make([]byte, len(versionPrefix))
		if _, err := io.ReadFull(f, buf); err == nil && string(buf) == versionPrefix {
			r := bufio.NewReader(f)
			line, err := r.ReadString('\n')
			if err == nil {
				if v, err := strconv.Atoi(line[:len(line)-1]); err == nil && v == FileStoreVersion {
					mismatch = false
				}
			}
		}
		f.Close()
		if !mismatch {
			return int64(len(header)), nil
		}
		moved := newPath(s.path)
		logger.Warn("store version mismatch, moving %s to %s", s.path, moved)
		if err := os.Rename(s.path, moved); err != nil {
			return 0, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(s.path, []byte(header), 0o644); err != nil {
		return 0, err
	}
	return int64(len(header)), nil
}

// Write implements Store.
func (s *FileStore) Write(ctx context.Context, update []byte) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	metadata, err := s.metadata.Get(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.checkVersion(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], math.Float64bits(s.now()))

	var buf []byte
	buf = ysync.WriteVarUintPrefixed(buf, update)
	buf = ysync.WriteVarUintPrefixed(buf, metadata)
	buf = ysync.WriteVarUintPrefixed(buf, ts[:])
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// Read implements Store.
func (s *FileStore) Read(ctx context.Context, yield func(Record) error) error {
	if !s.isRunning() {
		return ErrNotStarted
	}

	s.mu.Lock()
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.mu.Unlock()
		return ErrDocumentNotFound
	}
	offset, err := s.checkVersion()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	data = data[offset:]
	if len(data) == 0 {
		return ErrDocumentNotFound
	}

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		var record Record
		record.Update, data, err = ysync.ReadVarUintPrefixed(data)
		if err != nil {
			return err
		}
		record.Metadata, data, err = ysync.ReadVarUintPrefixed(data)
		if err != nil {
			return err
		}
		var ts []byte
		ts, data, err = ysync.ReadVarUintPrefixed(data)
		if err != nil {
			return err
		}
		if len(ts) != 8 {
			return ysync.ErrMalformedFrame
		}
		record.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(ts))
		if err := yield(record); err != nil {
			return err
		}
	}
	return nil
}
