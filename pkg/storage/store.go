package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/config"
)

// CacheFormat is the current version of the network cache layout. It is
// written as the first record of every new network cache file.
const CacheFormat = 1

// Storage errors.
var (
	ErrClosed      = errors.New("storage: store closed")
	ErrCacheFormat = errors.New("storage: unsupported cache format")
	ErrLocked      = errors.New("storage: cache locked by another instance")
)

// keyCacheFormat versions the network cache file.
const keyCacheFormat = "cacheFormat"

// record is one JSONL line.
type record struct {
	Key   string          `json:"k"`
	Value json.RawMessage `json:"v"`
}

// file is one append-only log with its pending, not yet flushed lines.
type file struct {
	path    string
	pending [][]byte
}

func (f *file) append(rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f.pending = append(f.pending, line)
	return nil
}

// flush appends all pending lines and truncates the pending set. Lines
// that were handed to the OS are not retried on a later error.
func (f *file) flush() error {
	if len(f.pending) == 0 {
		return nil
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	for _, line := range f.pending {
		if _, err := out.Write(append(line, '\n')); err != nil {
			out.Close()
			f.pending = nil
			return err
		}
	}
	f.pending = nil
	return out.Close()
}

// statusValue is the value shape of a node status record.
type statusValue struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// commandValue is the value shape of a recorded command class PDU.
type commandValue struct {
	Class   uint8     `json:"class"`
	Command uint8     `json:"command"`
	Payload string    `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Store is the persistence facade. It keeps three append-only JSONL
// logs under the cache directory, keyed by home id in hex: the network
// cache, the value database and the metadata log. Writes are coalesced
// over the configured throttle window and flushed in one append.
type Store struct {
	mu     sync.Mutex
	closed bool

	network  *file
	values   *file
	metadata *file

	window  time.Duration
	timer   *time.Timer
	onError func(error)

	lock *lockFile
}

// Options configure a Store beyond the cache layout itself.
type Options struct {
	// OnError receives asynchronous write errors. Nil discards them.
	OnError func(error)
}

// Open prepares the three cache files for the given home id and takes
// the single-instance lock. With ClearCache set the existing caches
// are removed first. A missing cache directory is created.
func Open(cfg config.Storage, homeID uint32, opts Options) (*Store, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("storage: cache directory not configured")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	home := fmt.Sprintf("%08x", homeID)
	s := &Store{
		network:  &file{path: filepath.Join(cfg.CacheDir, home+".jsonl")},
		values:   &file{path: filepath.Join(cfg.CacheDir, home+".values.jsonl")},
		metadata: &file{path: filepath.Join(cfg.CacheDir, home+".metadata.jsonl")},
		window:   cfg.Throttle.Window(),
		onError:  opts.OnError,
	}

	lockDir := cfg.LockDir
	if lockDir == "" {
		lockDir = cfg.CacheDir
	}
	lock, err := acquireLock(filepath.Join(lockDir, home+".lock"))
	if err != nil {
		return nil, err
	}
	s.lock = lock

	if cfg.ClearCache {
		for _, f := range []*file{s.network, s.values, s.metadata} {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				lock.release()
				return nil, fmt.Errorf("storage: clear cache: %w", err)
			}
		}
	}

	if err := s.ensureFormat(); err != nil {
		lock.release()
		return nil, err
	}
	return s, nil
}

// ensureFormat writes the cacheFormat record to a fresh network cache
// and rejects caches written by a newer layout.
func (s *Store) ensureFormat() error {
	version, found, err := readCacheFormat(s.network.path)
	if err != nil {
		return err
	}
	if found {
		if version > CacheFormat {
			return fmt.Errorf("%w: %d", ErrCacheFormat, version)
		}
		return nil
	}
	raw, _ := json.Marshal(CacheFormat)
	if err := s.network.append(record{Key: keyCacheFormat, Value: raw}); err != nil {
		return err
	}
	return s.network.flush()
}

// RecordNodeStatus appends a node power-state change to the network
// cache. Implements driver.Store.
func (s *Store) RecordNodeStatus(nodeID uint8, status string) {
	v := statusValue{Status: status, Time: time.Now().UTC()}
	s.record(s.network, fmt.Sprintf("node.%d.status", nodeID), v)
}

// RecordCommand appends an application command to the value database.
// Implements driver.Store.
func (s *Store) RecordCommand(nodeID uint8, c *cc.Command) {
	v := commandValue{
		Class:   uint8(c.Class),
		Command: c.Command,
		Payload: hex.EncodeToString(c.Payload),
		Time:    time.Now().UTC(),
	}
	s.record(s.values, fmt.Sprintf("node.%d.command", nodeID), v)
}

// RecordMetadata appends an arbitrary metadata value under key.
func (s *Store) RecordMetadata(key string, value any) {
	s.record(s.metadata, key, value)
}

// RecordNetwork appends an arbitrary network cache value under key.
func (s *Store) RecordNetwork(key string, value any) {
	s.record(s.network, key, value)
}

func (s *Store) record(f *file, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.reportError(fmt.Errorf("storage: encode %s: %w", key, err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := f.append(record{Key: key, Value: raw}); err != nil {
		s.reportError(fmt.Errorf("storage: %s: %w", key, err))
		return
	}
	s.scheduleFlushLocked()
}

// scheduleFlushLocked coalesces writes over the throttle window. A
// zero window flushes synchronously.
func (s *Store) scheduleFlushLocked() {
	if s.window == 0 {
		if err := s.flushLocked(); err != nil {
			s.reportError(err)
		}
		return
	}
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.window, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		if s.closed {
			return
		}
		if err := s.flushLocked(); err != nil {
			s.reportError(err)
		}
	})
}

// Flush writes all pending records now. Implements driver.Store.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	var firstErr error
	for _, f := range []*file{s.network, s.values, s.metadata} {
		if err := f.flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: flush %s: %w", filepath.Base(f.path), err)
		}
	}
	return firstErr
}

// Close flushes pending records and releases the instance lock.
// Implements driver.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	err := s.flushLocked()
	if lerr := s.lock.release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

func (s *Store) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}
