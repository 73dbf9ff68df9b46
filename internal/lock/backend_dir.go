package lock

import (
	"fmt"
	"os"
	"path/filepath"
)

// dirBackend relies on mkdir's create-if-absent atomicity. It is the
// fallback where no advisory file lock exists, and the deterministic choice
// for tests. Unlike flock, nothing auto-releases the lock when the holder
// dies; stale reclaim in the Manager carries that weight.
type dirBackend struct {
	path string
}

func newDirBackend(path string) backend {
	return &dirBackend{path: path}
}

func (b *dirBackend) recordPath() string {
	return filepath.Join(b.path, "holder.yaml")
}

func (b *dirBackend) TryAcquire(rec Record) error {
	if err := os.Mkdir(b.path, 0700); err != nil {
		if os.IsExist(err) {
			return errContended
		}
		return fmt.Errorf("mkdir lock dir: %w", err)
	}
	if err := os.WriteFile(b.recordPath(), marshalRecord(rec), 0600); err != nil {
		_ = os.RemoveAll(b.path)
		return fmt.Errorf("write lock record: %w", err)
	}
	return nil
}

func (b *dirBackend) ReadRecord() (Record, error) {
	content, err := os.ReadFile(b.recordPath())
	if err != nil {
		return Record{}, fmt.Errorf("read lock record: %w", err)
	}
	return unmarshalRecord(content)
}

func (b *dirBackend) Release() error {
	if err := os.RemoveAll(b.path); err != nil {
		return fmt.Errorf("remove lock dir: %w", err)
	}
	return nil
}

func (b *dirBackend) ForceRelease() error {
	return os.RemoveAll(b.path)
}
