// Package devices hands block devices to build steps: a byte range of
// a backing image file, exposed as a loop device node. The service
// side needs privileges; callers only see the device path and its
// (major, minor) identity.
package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/disk"
	"github.com/osbuild/image-assembler/internal/hostsvc"
	"github.com/osbuild/image-assembler/internal/loopback"
)

// OpenRequest maps the byte range starting at sector Start of Filename
// to a new device. Size is in sectors too, 0 meaning everything from
// Start to the end of the file.
type OpenRequest struct {
	Filename   string `json:"filename"`
	Start      uint64 `json:"start,omitempty"`
	Size       uint64 `json:"size,omitempty"`
	SectorSize uint64 `json:"sector-size,omitempty"`
	Lock       bool   `json:"lock,omitempty"`
}

// OpenResult describes the device that was set up.
type OpenResult struct {
	Path  string `json:"path"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// CloseRequest releases the device previously opened at Path.
type CloseRequest struct {
	Path string `json:"path"`
}

// Device is an open block device. Close releases it and is safe to
// call more than once.
type Device interface {
	Path() string
	Majno() uint32
	Minno() uint32
	Close() error
}

// Opener hands out devices. Implemented in-process by Service and over
// the host service socket by Client.
type Opener interface {
	OpenDevice(req *OpenRequest) (Device, error)
}

// seam for tests, which cannot attach real loop devices
var loopOpen = func(ctl loopback.Allocator, devDir, filename string, opts loopback.Options) (loopDevice, error) {
	return loopback.Open(ctl, devDir, filename, opts)
}

type loopDevice interface {
	Path() string
	Majno() uint32
	Minno() uint32
	Close() error
}

// Service implements Opener against the local kernel. It keeps track
// of the devices it opened so the daemon can close them by path.
type Service struct {
	ctl     loopback.Allocator
	devDir  string
	lockDir string

	mu   sync.Mutex
	open map[string]*localDevice
}

// NewService creates a device service allocating from ctl and placing
// device nodes under devDir. lockDir is where inhibitor lock files go;
// empty selects the default.
func NewService(ctl loopback.Allocator, devDir, lockDir string) *Service {
	return &Service{
		ctl:     ctl,
		devDir:  devDir,
		lockDir: lockDir,
		open:    make(map[string]*localDevice),
	}
}

func (s *Service) OpenDevice(req *OpenRequest) (Device, error) {
	if req.Filename == "" {
		return nil, common.NewValidationError("cannot open device without a backing filename")
	}

	sectorSize := req.SectorSize
	if sectorSize == 0 {
		sectorSize = disk.DefaultSectorSize
	}
	offset := req.Start * sectorSize

	sizelimit := req.Size * sectorSize
	if req.Size == 0 {
		stat, err := os.Stat(req.Filename)
		if err != nil {
			return nil, fmt.Errorf("cannot stat backing file: %w", err)
		}
		if offset >= uint64(stat.Size()) {
			return nil, common.NewValidationError("device range starts at byte %d, beyond the end of %s", offset, req.Filename)
		}
		sizelimit = uint64(stat.Size()) - offset
	}

	loop, err := loopOpen(s.ctl, s.devDir, req.Filename, loopback.Options{
		Offset:    offset,
		SizeLimit: sizelimit,
		Lock:      req.Lock,
		LockDir:   s.lockDir,
	})
	if err != nil {
		return nil, err
	}

	logrus.Infof("attached %s to %s at byte %d", loop.Path(), req.Filename, offset)

	dev := &localDevice{service: s, loop: loop}
	s.mu.Lock()
	s.open[loop.Path()] = dev
	s.mu.Unlock()

	return dev, nil
}

// ClosePath releases the open device with the given path. The daemon
// uses it to serve close requests.
func (s *Service) ClosePath(path string) error {
	s.mu.Lock()
	dev, ok := s.open[path]
	s.mu.Unlock()
	if !ok {
		return common.NewValidationError("no open device at %s", path)
	}
	return dev.Close()
}

func (s *Service) forget(path string) {
	s.mu.Lock()
	delete(s.open, path)
	s.mu.Unlock()
}

type localDevice struct {
	service *Service
	loop    loopDevice
	closed  bool
}

func (d *localDevice) Path() string {
	return d.loop.Path()
}

func (d *localDevice) Majno() uint32 {
	return d.loop.Majno()
}

func (d *localDevice) Minno() uint32 {
	return d.loop.Minno()
}

func (d *localDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	logrus.Debugf("detaching %s", d.loop.Path())
	d.service.forget(d.loop.Path())
	return d.loop.Close()
}

// RegisterHandlers exposes the service on a host service server under
// the devices.open and devices.close methods.
func RegisterHandlers(server *hostsvc.Server, service *Service) {
	server.Register("devices.open", func(args json.RawMessage) (interface{}, error) {
		var req OpenRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, common.NewValidationError("malformed open request: %v", err)
		}
		dev, err := service.OpenDevice(&req)
		if err != nil {
			return nil, err
		}
		return &OpenResult{Path: dev.Path(), Major: dev.Majno(), Minor: dev.Minno()}, nil
	})

	server.Register("devices.close", func(args json.RawMessage) (interface{}, error) {
		var req CloseRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, common.NewValidationError("malformed close request: %v", err)
		}
		return nil, service.ClosePath(req.Path)
	})
}
