//go:build !unix

package lock

import "os"

func newPlatformBackend(path string) backend {
	return newDirBackend(path)
}

func processAlive(pid int) bool {
	// Best effort without unix signals: FindProcess succeeds for any pid on
	// some platforms, so treat lookup failure as the only dead signal.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p
	return true
}
