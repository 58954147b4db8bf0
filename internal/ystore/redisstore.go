package ystore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yrooms/relay/internal/logger"
	"github.com/yrooms/relay/internal/ysync"
)

// RedisStoreVersion is the record format version of RedisStore, kept in a
// sibling key next to the record list.
const RedisStoreVersion = 2

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	// URL is a redis connection URL. Defaults to redis://localhost:6379.
	URL string
	// Expiration refreshes a TTL on the document's keys after every write.
	// Zero keeps the keys forever.
	Expiration time.Duration
	// Metadata produces the metadata attached to each record.
	Metadata MetadataCallback
}

// RedisStore keeps each document's records in a Redis list, framed the same
// way as the file store. Suited as hot storage in front of a persistent
// backend.
type RedisStore struct {
	lifecycle
	path string
	opts RedisStoreOptions

	now func() float64

	mu     sync.Mutex
	client *redis.Client
}

// NewRedisStore creates a store for the document at path.
func NewRedisStore(path string, opts RedisStoreOptions) *RedisStore {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	return &RedisStore{
		path: path,
		opts: opts,
		now:  nowSeconds,
	}
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("ystore:%s", s.path)
}

func (s *RedisStore) versionKey() string {
	return s.key() + ":version"
}

// Start connects to Redis and verifies the record format version, moving
// mismatched data aside.
func (s *RedisStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts, err := redis.ParseURL(s.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	stored, err := client.Get(ctx, s.versionKey()).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		client.Close()
		return err
	default:
		if v, convErr := strconv.Atoi(stored); convErr != nil || v != RedisStoreVersion {
			if err := s.moveAside(ctx, client); err != nil {
				client.Close()
				return err
			}
		}
	}
	if err := client.Set(ctx, s.versionKey(), RedisStoreVersion, s.opts.Expiration).Err(); err != nil {
		client.Close()
		return err
	}

	s.client = client
	return s.markStarted()
}

// moveAside renames the record list and its version key to the lowest free
// "(N)" suffix.
func (s *RedisStore) moveAside(ctx context.Context, client *redis.Client) error {
	for i := 1; ; i++ {
		renamed := fmt.Sprintf("%s(%d)", s.key(), i)
		exists, err := client.Exists(ctx, renamed).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		logger.Warn("store version mismatch, moving %s to %s", s.key(), renamed)
		if err := client.Rename(ctx, s.key(), renamed).Err(); err != nil && err != redis.Nil {
			// the list may not exist yet, only the version key
			if !isRedisNoSuchKey(err) {
				return err
			}
		}
		if err := client.Rename(ctx, s.versionKey(), renamed+":version").Err(); err != nil {
			return err
		}
		return nil
	}
}

func isRedisNoSuchKey(err error) bool {
	return err != nil && err.Error() == "ERR no such key"
}

// Stop drains in-flight writes and closes the connection.
func (s *RedisStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markStopped(); err != nil {
		return err
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// Started implements Store.
func (s *RedisStore) Started() <-chan struct{} {
	return s.startedChan()
}

// Write implements Store.
func (s *RedisStore) Write(ctx context.Context, update []byte) error {
	if !s.isRunning() {
		return ErrNotStarted
	}
	metadata, err := s.opts.Metadata.Get(ctx)
	if err != nil {
		return err
	}

	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], math.Float64bits(s.now()))
	var entry []byte
	entry = ysync.WriteVarUintPrefixed(entry, update)
	entry = ysync.WriteVarUintPrefixed(entry, metadata)
	entry = ysync.WriteVarUintPrefixed(entry, ts[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.RPush(ctx, s.key(), entry).Err(); err != nil {
		return err
	}
	if s.opts.Expiration > 0 {
		if err := s.client.Expire(ctx, s.key(), s.opts.Expiration).Err(); err != nil {
			return err
		}
		if err := s.client.Expire(ctx, s.versionKey(), s.opts.Expiration).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Read implements Store.
func (s *RedisStore) Read(ctx context.Context, yield func(Record) error) error {
	if !s.isRunning() {
		return ErrNotStarted
	}

	s.mu.Lock()
	entries, err := s.client.LRange(ctx, s.key(), 0, -1).Result()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return ErrDocumentNotFound
	}

	for _, entry := range entries {
		data := []byte(entry)
		var r Record
		r.Update, data, err = ysync.ReadVarUintPrefixed(data)
		if err != nil {
			return err
		}
		r.Metadata, data, err = ysync.ReadVarUintPrefixed(data)
		if err != nil {
			return err
		}
		var ts []byte
		ts, _, err = ysync.ReadVarUintPrefixed(data)
		if err != nil {
			return err
		}
		if len(ts) != 8 {
			return ysync.ErrMalformedFrame
		}
		r.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(ts))
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}
