//go:build unix

package lock

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// flockBackend uses an advisory flock(2) on a lock file. The kernel drops the
// lock when the holder dies, so stale reclaim here mostly covers records left
// behind by other hosts on shared filesystems.
type flockBackend struct {
	path string
	file *os.File
}

func newPlatformBackend(path string) backend {
	return &flockBackend{path: path}
}

func (b *flockBackend) TryAcquire(rec Record) error {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK || err == syscall.EAGAIN {
			return errContended
		}
		return fmt.Errorf("flock: %w", err)
	}

	if err := b.writeRecord(f, rec); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return err
	}

	b.file = f
	return nil
}

func (b *flockBackend) writeRecord(f *os.File, rec Record) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := f.Write(marshalRecord(rec)); err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (b *flockBackend) ReadRecord() (Record, error) {
	content, err := os.ReadFile(b.path)
	if err != nil {
		return Record{}, fmt.Errorf("read lock file: %w", err)
	}
	return unmarshalRecord(content)
}

func (b *flockBackend) Release() error {
	if b.file == nil {
		return nil
	}
	if err := unix.Flock(int(b.file.Fd()), unix.LOCK_UN); err != nil {
		b.file.Close()
		b.file = nil
		return fmt.Errorf("unlock: %w", err)
	}
	if err := b.file.Close(); err != nil {
		b.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	b.file = nil
	os.Remove(b.path)
	return nil
}

func (b *flockBackend) ForceRelease() error {
	return os.Remove(b.path)
}

func processAlive(pid int) bool {
	// Signal 0 probes existence without delivering anything.
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
