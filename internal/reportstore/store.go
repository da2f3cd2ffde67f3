// Package reportstore retains finished execution reports by run id, in
// memory with a TTL or persisted as JSON files.
package reportstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/skaldworks/weft"
)

type storedReport struct {
	report     *weft.ExecutionReport
	expiration int64
}

// MemoryStore is a thread-safe in-memory report store with a TTL.
type MemoryStore struct {
	store map[string]storedReport
	mutex sync.RWMutex
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates an in-memory store. Reports older than ttl are
// dropped by a background janitor; ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		store: make(map[string]storedReport),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	if ttl > 0 {
		go s.cleanupLoop(10 * time.Minute)
	}
	return s
}

// Get retrieves a report by run id.
func (s *MemoryStore) Get(ctx context.Context, runID string) (*weft.ExecutionReport, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	item, found := s.store[runID]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("report not found", nil))
	}
	if item.expiration > 0 && time.Now().UnixNano() > item.expiration {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("report expired", nil))
	}
	return item.report, nil
}

// Set stores a report under its run id.
func (s *MemoryStore) Set(ctx context.Context, runID string, report *weft.ExecutionReport) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var expiration int64
	if s.ttl > 0 {
		expiration = time.Now().Add(s.ttl).UnixNano()
	}
	s.store[runID] = storedReport{report: report, expiration: expiration}
	return nil
}

// Close stops the background janitor.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

// cleanupLoop periodically removes expired reports.
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mutex.Lock()
			now := time.Now().UnixNano()
			for runID, item := range s.store {
				if item.expiration > 0 && now > item.expiration {
					delete(s.store, runID)
				}
			}
			s.mutex.Unlock()
		}
	}
}

// FileStore persists each report as a JSON file under a directory.
type FileStore struct {
	dir    string
	mutex  sync.RWMutex
	logger Logger
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string, logger Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, weft.NewStoreError("mkdir", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", runID))
}

// Get loads a report from its JSON file.
func (s *FileStore) Get(ctx context.Context, runID string) (*weft.ExecutionReport, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("report not found", err))
		}
		return nil, weft.NewStoreError("read", err)
	}
	var report weft.ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, weft.NewStoreError("decode", err)
	}
	return &report, nil
}

// Set writes a report to its JSON file.
func (s *FileStore) Set(ctx context.Context, runID string, report *weft.ExecutionReport) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	data, err := json.Marshal(report)
	if err != nil {
		return weft.NewStoreError("encode", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.WriteFile(s.path(runID), data, 0o644); err != nil {
		return weft.NewStoreError("write", err)
	}
	if s.logger != nil {
		s.logger.Info("report persisted", map[string]interface{}{"runId": runID, "path": s.path(runID)})
	}
	return nil
}
