//go:build windows

package storage

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockFile blocks until an exclusive lock on the first byte of f is held. The
// lock is released by the system when the holder's handle is closed.
func lockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
}

func unlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}
