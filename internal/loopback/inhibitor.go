package loopback

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultInhibitorDir is where device inhibitor lock files live. udev
// rules consult the same directory, so holding a lock here keeps
// asynchronous device management from probing a device while we set it
// up or tear it down.
const DefaultInhibitorDir = "/run/image-assembler/locks/udev"

// Inhibitor is an advisory exclusive lock on a device, keyed by its
// (major, minor) identity.
type Inhibitor struct {
	path string
	file *os.File
}

// InhibitDevice takes the inhibitor lock for the given device. It
// blocks until the lock is free.
func InhibitDevice(dir string, major, minor uint32) (*Inhibitor, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create inhibitor directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("device-%d:%d", major, minor))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot create inhibitor lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("cannot lock %s: %w", path, err)
	}

	return &Inhibitor{path: path, file: file}, nil
}

// Path returns the path of the lock file.
func (i *Inhibitor) Path() string {
	return i.path
}

// Release drops the lock. It is safe to call more than once.
func (i *Inhibitor) Release() error {
	if i.file == nil {
		return nil
	}
	file := i.file
	i.file = nil

	if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
		file.Close()
		return fmt.Errorf("cannot unlock %s: %w", i.path, err)
	}
	return file.Close()
}
