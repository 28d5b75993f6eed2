// Package loopback attaches byte ranges of backing files to kernel loop
// devices. It talks to /dev/loop-control for device allocation and to
// the device nodes themselves for association, flushing and teardown.
package loopback

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Major is the device major number of loop block devices.
const Major = 7

const (
	// clearRetryWindow bounds how long Close keeps retrying to clear
	// a loop device's file association when something, usually udev
	// event processing, still holds a transient reference to it.
	clearRetryWindow   = 2 * time.Second
	clearRetryInterval = 100 * time.Millisecond
)

// seams for tests, which cannot issue real loop ioctls
var (
	mknod            = unix.Mknod
	ioctlRetInt      = unix.IoctlRetInt
	ioctlSetInt      = unix.IoctlSetInt
	ioctlSetStatus64 = unix.IoctlLoopSetStatus64
)

// DeviceError reports a loop device that could not be associated with
// its backing file, or could not be released again.
type DeviceError struct {
	reason string
}

func NewDeviceError(format string, args ...interface{}) *DeviceError {
	return &DeviceError{
		reason: fmt.Sprintf(format, args...),
	}
}

func (e *DeviceError) Error() string {
	return e.reason
}

// Allocator hands out free loop device numbers. The kernel's free
// device table is global state that tests cannot reproduce, so it
// stays behind this interface.
type Allocator interface {
	GetFree() (int, error)
}

// LoopControl allocates loop devices through /dev/loop-control.
type LoopControl struct {
	file *os.File
}

func NewLoopControl() (*LoopControl, error) {
	file, err := os.Open("/dev/loop-control")
	if err != nil {
		return nil, fmt.Errorf("cannot open loop control device: %w", err)
	}
	return &LoopControl{file: file}, nil
}

// GetFree returns the number of a loop device that is not currently
// bound to a backing file. The kernel creates a fresh device if all
// existing ones are busy. Nothing reserves the returned device for us,
// somebody else may grab it before we bind it.
func (c *LoopControl) GetFree() (int, error) {
	return ioctlRetInt(int(c.file.Fd()), unix.LOOP_CTL_GET_FREE)
}

func (c *LoopControl) Close() error {
	return c.file.Close()
}

// Options configures the association of a loop device with a byte
// range of its backing file.
type Options struct {
	// Offset of the start of the range, in bytes
	Offset uint64
	// SizeLimit is the length of the range in bytes, 0 meaning the
	// rest of the file
	SizeLimit uint64
	// Lock takes an inhibitor lock on the device for the lifetime of
	// the association
	Lock bool
	// LockDir is where inhibitor lock files are kept; empty means
	// DefaultInhibitorDir
	LockDir string
}

// Loop is a loop device associated with a byte range of a backing
// file. It must be released with Close exactly once; extra calls are
// absorbed.
type Loop struct {
	devname   string
	path      string
	minor     uint32
	dev       *os.File
	backing   *os.File
	inhibitor *Inhibitor
	closed    bool
}

// Open binds a free loop device to the given byte range of filename.
// The device node is created under devDir, a node that already exists
// is reused. The association is set up with autoclear on and partition
// scanning off.
//
// Free devices are allocated through ctl; when somebody else grabs the
// device between allocation and binding, the next free one is tried.
// On any setup failure everything constructed so far is torn down
// before the error is returned.
func Open(ctl Allocator, devDir, filename string, opts Options) (*Loop, error) {
	backing, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open backing file: %w", err)
	}

	loop, err := bindFreeDevice(ctl, devDir, backing, opts)
	if err != nil {
		backing.Close()
		return nil, err
	}

	loop.backing = backing
	if err := loop.setStatus(filename, opts.Offset, opts.SizeLimit); err != nil {
		loop.teardown()
		backing.Close()
		return nil, err
	}

	return loop, nil
}

func bindFreeDevice(ctl Allocator, devDir string, backing *os.File, opts Options) (*Loop, error) {
	for {
		number, err := ctl.GetFree()
		if err != nil {
			return nil, fmt.Errorf("cannot allocate a free loop device: %w", err)
		}

		loop, err := openDevice(devDir, number, opts)
		if err != nil {
			return nil, err
		}

		err = ioctlSetInt(int(loop.dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd()))
		if err == nil {
			return loop, nil
		}
		loop.teardown()
		if errors.Is(err, unix.EBUSY) {
			// lost the race for this device, try the next one
			continue
		}
		return nil, NewDeviceError("cannot associate %s with backing file: %v", loop.devname, err)
	}
}

func openDevice(devDir string, number int, opts Options) (*Loop, error) {
	devname := fmt.Sprintf("loop%d", number)
	path := filepath.Join(devDir, devname)
	minor := uint32(number)

	err := mknod(path, unix.S_IFBLK|0600, int(unix.Mkdev(Major, minor)))
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("cannot create device node %s: %w", path, err)
	}

	loop := &Loop{
		devname: devname,
		path:    path,
		minor:   minor,
	}

	if opts.Lock {
		lockDir := opts.LockDir
		if lockDir == "" {
			lockDir = DefaultInhibitorDir
		}
		loop.inhibitor, err = InhibitDevice(lockDir, Major, minor)
		if err != nil {
			return nil, err
		}
	}

	loop.dev, err = os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		loop.releaseInhibitor()
		return nil, fmt.Errorf("cannot open device node %s: %w", path, err)
	}

	return loop, nil
}

func (l *Loop) setStatus(filename string, offset, sizelimit uint64) error {
	info := unix.LoopInfo64{
		Offset:    offset,
		Sizelimit: sizelimit,
		Flags:     unix.LO_FLAGS_AUTOCLEAR,
	}
	// the name is cosmetic, lsblk and friends display it
	copy(info.File_name[:unix.LO_NAME_SIZE-1], filename)

	if err := ioctlSetStatus64(int(l.dev.Fd()), &info); err != nil {
		return NewDeviceError("cannot configure %s: %v", l.devname, err)
	}
	return nil
}

// Devname returns the kernel name of the device, e.g. "loop2".
func (l *Loop) Devname() string {
	return l.devname
}

// Path returns the path of the device node.
func (l *Loop) Path() string {
	return l.path
}

func (l *Loop) Majno() uint32 {
	return Major
}

func (l *Loop) Minno() uint32 {
	return l.minor
}

// Close releases the loop device. It flushes the device's buffer cache
// before clearing the file association, clearing first loses whatever
// the cache still holds. Clearing is retried for a while because udev
// workers may briefly keep the device open while they process the
// events our own setup generated. The inhibitor lock, when one is
// held, is dropped only after the backing file is synced and closed.
// Close is idempotent.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	defer l.releaseInhibitor()

	devFd := int(l.dev.Fd())
	var firstErr error
	if err := ioctlSetInt(devFd, unix.BLKFLSBUF, 0); err != nil {
		firstErr = NewDeviceError("cannot flush %s: %v", l.devname, err)
	}
	if firstErr == nil {
		firstErr = l.clearFd(devFd)
	}

	l.dev.Close()
	l.dev = nil

	if err := l.closeBacking(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// clearFd clears the device's file association, retrying EBUSY within
// the retry window.
func (l *Loop) clearFd(devFd int) error {
	deadline := time.Now().Add(clearRetryWindow)
	for {
		err := ioctlSetInt(devFd, unix.LOOP_CLR_FD, 0)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return NewDeviceError("cannot clear %s: %v", l.devname, err)
		}
		if time.Now().After(deadline) {
			return NewDeviceError("cannot clear %s: still busy after %v", l.devname, clearRetryWindow)
		}
		time.Sleep(clearRetryInterval)
	}
}

// teardown closes the device node and drops the inhibitor, absorbing
// errors. It is safe on partially constructed handles.
func (l *Loop) teardown() {
	if l.dev != nil {
		l.dev.Close()
		l.dev = nil
	}
	l.releaseInhibitor()
}

func (l *Loop) releaseInhibitor() {
	if l.inhibitor != nil {
		l.inhibitor.Release()
		l.inhibitor = nil
	}
}

func (l *Loop) closeBacking() error {
	if l.backing == nil {
		return nil
	}
	backing := l.backing
	l.backing = nil
	if err := backing.Sync(); err != nil {
		backing.Close()
		return fmt.Errorf("cannot sync backing file: %w", err)
	}
	if err := backing.Close(); err != nil {
		return fmt.Errorf("cannot close backing file: %w", err)
	}
	return nil
}
