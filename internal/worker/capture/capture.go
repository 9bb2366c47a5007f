// Package capture uploads a task's stdout/stderr files to an object
// store after execution.
package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/seawork/trawler/internal/shared/logging"
)

// ObjectStore is the narrow interface captures are written through. The
// backing service's wire format is not modeled here.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// Uploader copies local capture files into the object store.
type Uploader struct {
	store  ObjectStore
	logger logging.Logger
}

func NewUploader(store ObjectStore, logger logging.Logger) *Uploader {
	return &Uploader{store: store, logger: logger}
}

// UploadFile uploads the file at path under the given key. A missing or
// empty file is not an error: the task simply produced no output on
// that stream.
func (u *Uploader) UploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat capture file %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	if err := u.store.Put(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("failed to upload capture %s: %w", key, err)
	}
	u.logger.Debug("Capture uploaded", "key", key, "bytes", info.Size())
	return nil
}

// MemoryStore is an in-process ObjectStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// Get returns a stored object and whether it exists.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}
