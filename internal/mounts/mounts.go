// Package mounts exposes the mount side of the host services: mounting
// freshly formatted filesystems under a scratch root, syncing them and
// unmounting them again. The contract is uniform across filesystem
// types; only the type passed to the kernel differs.
package mounts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/image-assembler/internal/common"
)

// seams for tests, mounting needs privileges
var (
	sysMount   = unix.Mount
	sysUnmount = unix.Unmount
	syncfs     = unix.Syncfs
)

// Options of a mount request shared by all filesystem types.
type Options struct {
	ReadOnly bool `json:"readonly,omitempty"`
}

// Request asks for a filesystem to be mounted below Root at Target.
type Request struct {
	// FSType selects the handler; "noop" just creates the target
	// directory for sourceless scenarios.
	FSType  string  `json:"fstype"`
	Source  string  `json:"source,omitempty"`
	Root    string  `json:"root"`
	Target  string  `json:"target"`
	Options Options `json:"options,omitempty"`
}

// Result is the reply payload of a mount request.
type Result struct {
	Mountpoint string `json:"mountpoint"`
}

// Mount is a mounted filesystem. Umount is idempotent; Sync must be
// called before the loop device backing the filesystem is closed, the
// device level flush on close does not cover dirty pages.
type Mount interface {
	Mountpoint() string
	Sync() error
	Umount() error
}

// Manager hands out mounts. Implemented locally by Service and over
// the host service socket by Client.
type Manager interface {
	Mount(req *Request) (Mount, error)
}

// the closed set of mountable filesystem types
var fsTypes = map[string]bool{
	"ext4":  true,
	"xfs":   true,
	"vfat":  true,
	"btrfs": true,
}

// Service performs mounts in-process. It needs the privileges to call
// mount(2).
type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) Mount(req *Request) (Mount, error) {
	mountpoint := filepath.Join(req.Root, strings.TrimPrefix(req.Target, "/"))

	if req.FSType == "noop" {
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return nil, fmt.Errorf("cannot create mountpoint: %w", err)
		}
		return &noopMount{mountpoint: mountpoint}, nil
	}

	if !fsTypes[req.FSType] {
		return nil, common.NewValidationError("cannot mount unsupported filesystem type: %q", req.FSType)
	}
	if req.Source == "" {
		return nil, common.NewValidationError("cannot mount %s filesystem without a source", req.FSType)
	}

	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return nil, fmt.Errorf("cannot create mountpoint: %w", err)
	}

	var flags uintptr
	if req.Options.ReadOnly {
		flags |= unix.MS_RDONLY
	}
	if err := sysMount(req.Source, mountpoint, req.FSType, flags, ""); err != nil {
		return nil, fmt.Errorf("cannot mount %s on %s: %w", req.Source, mountpoint, err)
	}

	logrus.Infof("mounted %s filesystem from %s on %s", req.FSType, req.Source, mountpoint)

	return &fsMount{mountpoint: mountpoint, mounted: true}, nil
}

type fsMount struct {
	mountpoint string
	mounted    bool
}

func (m *fsMount) Mountpoint() string {
	return m.mountpoint
}

// Sync flushes the filesystem holding the mountpoint.
func (m *fsMount) Sync() error {
	if !m.mounted {
		return nil
	}
	dir, err := os.Open(m.mountpoint)
	if err != nil {
		return fmt.Errorf("cannot sync %s: %w", m.mountpoint, err)
	}
	defer dir.Close()
	if err := syncfs(int(dir.Fd())); err != nil {
		return fmt.Errorf("cannot sync %s: %w", m.mountpoint, err)
	}
	return nil
}

func (m *fsMount) Umount() error {
	if !m.mounted {
		return nil
	}
	if err := sysUnmount(m.mountpoint, 0); err != nil {
		return fmt.Errorf("cannot unmount %s: %w", m.mountpoint, err)
	}
	m.mounted = false
	logrus.Debugf("unmounted %s", m.mountpoint)
	return nil
}

// noopMount only ever created its target directory, so releasing it
// has nothing to do.
type noopMount struct {
	mountpoint string
}

func (m *noopMount) Mountpoint() string {
	return m.mountpoint
}

func (m *noopMount) Sync() error {
	return nil
}

func (m *noopMount) Umount() error {
	return nil
}
