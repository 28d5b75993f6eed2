package loopback

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeAllocator struct {
	free  []int
	err   error
	calls int
}

func (a *fakeAllocator) GetFree() (int, error) {
	a.calls++
	if a.err != nil {
		return 0, a.err
	}
	number := a.free[0]
	a.free = a.free[1:]
	return number, nil
}

// fakeKernel stands in for the loop ioctls, which need privileges and
// real devices. Device nodes become plain files so the open path still
// works.
type fakeKernel struct {
	ops        []string
	setFdErrs  []error
	clearErrs  []error
	statusErr  error
	lastStatus unix.LoopInfo64
}

func (k *fakeKernel) install() (restore func()) {
	realMknod := mknod
	realSetInt := ioctlSetInt
	realSetStatus := ioctlSetStatus64

	mknod = func(path string, mode uint32, dev int) error {
		k.ops = append(k.ops, "mknod "+filepath.Base(path))
		return os.WriteFile(path, nil, 0600)
	}
	ioctlSetInt = func(fd int, req uint, value int) error {
		switch req {
		case unix.LOOP_SET_FD:
			k.ops = append(k.ops, "set-fd")
			return k.popErr(&k.setFdErrs)
		case unix.LOOP_CLR_FD:
			k.ops = append(k.ops, "clear-fd")
			return k.popErr(&k.clearErrs)
		case unix.BLKFLSBUF:
			k.ops = append(k.ops, "flush")
			return nil
		}
		return errors.New("unexpected ioctl")
	}
	ioctlSetStatus64 = func(fd int, info *unix.LoopInfo64) error {
		k.ops = append(k.ops, "set-status")
		k.lastStatus = *info
		return k.statusErr
	}

	return func() {
		mknod = realMknod
		ioctlSetInt = realSetInt
		ioctlSetStatus64 = realSetStatus
	}
}

func (k *fakeKernel) popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func testBackingFile(t *testing.T, dir string) string {
	t.Helper()
	filename := filepath.Join(dir, "image.raw")
	require.NoError(t, os.WriteFile(filename, make([]byte, 4096), 0600))
	return filename
}

func TestOpenAssociatesFreeDevice(t *testing.T) {
	kernel := &fakeKernel{}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{3}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{
		Offset:    1048576,
		SizeLimit: 524288,
	})
	require.NoError(t, err)
	defer loop.Close()

	assert.Equal(t, "loop3", loop.Devname())
	assert.Equal(t, filepath.Join(dir, "loop3"), loop.Path())
	assert.Equal(t, uint32(Major), loop.Majno())
	assert.Equal(t, uint32(3), loop.Minno())

	require.Equal(t, []string{"mknod loop3", "set-fd", "set-status"}, kernel.ops)
	assert.Equal(t, uint64(1048576), kernel.lastStatus.Offset)
	assert.Equal(t, uint64(524288), kernel.lastStatus.Sizelimit)
	assert.Equal(t, uint32(unix.LO_FLAGS_AUTOCLEAR), kernel.lastStatus.Flags&unix.LO_FLAGS_AUTOCLEAR)
	assert.Zero(t, kernel.lastStatus.Flags&unix.LO_FLAGS_PARTSCAN)
}

func TestOpenReusesExistingNode(t *testing.T) {
	kernel := &fakeKernel{}
	defer kernel.install()()

	realMknod := mknod
	mknod = func(path string, mode uint32, dev int) error {
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return err
		}
		return unix.EEXIST
	}
	defer func() { mknod = realMknod }()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{})
	require.NoError(t, err)
	assert.NoError(t, loop.Close())
}

func TestOpenRetriesBusyDevice(t *testing.T) {
	kernel := &fakeKernel{setFdErrs: []error{unix.EBUSY}}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0, 1}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{})
	require.NoError(t, err)
	defer loop.Close()

	assert.Equal(t, 2, ctl.calls)
	assert.Equal(t, "loop1", loop.Devname())
}

func TestOpenMissingBackingFile(t *testing.T) {
	kernel := &fakeKernel{}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0}}

	_, err := Open(ctl, dir, filepath.Join(dir, "no-such-image"), Options{})
	require.Error(t, err)
	assert.Zero(t, ctl.calls)
}

func TestOpenStatusFailureTearsDown(t *testing.T) {
	kernel := &fakeKernel{statusErr: unix.EINVAL}
	defer kernel.install()()

	dir := t.TempDir()
	lockDir := filepath.Join(dir, "locks")
	ctl := &fakeAllocator{free: []int{2}}

	_, err := Open(ctl, dir, testBackingFile(t, dir), Options{
		Lock:    true,
		LockDir: lockDir,
	})
	var derr *DeviceError
	require.True(t, errors.As(err, &derr))

	// the inhibitor must have been dropped on the failure path
	lockFile, err := os.Open(filepath.Join(lockDir, "device-7:2"))
	require.NoError(t, err)
	defer lockFile.Close()
	assert.NoError(t, unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB))
}

func TestCloseFlushesBeforeClearing(t *testing.T) {
	kernel := &fakeKernel{}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{})
	require.NoError(t, err)

	require.NoError(t, loop.Close())
	assert.Equal(t, []string{"mknod loop0", "set-fd", "set-status", "flush", "clear-fd"}, kernel.ops)
}

func TestCloseIsIdempotent(t *testing.T) {
	kernel := &fakeKernel{}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{
		Lock:    true,
		LockDir: filepath.Join(dir, "locks"),
	})
	require.NoError(t, err)

	require.NoError(t, loop.Close())
	opsAfterClose := len(kernel.ops)

	require.NoError(t, loop.Close())
	assert.Equal(t, opsAfterClose, len(kernel.ops))
}

func TestCloseRetriesClearing(t *testing.T) {
	kernel := &fakeKernel{clearErrs: []error{unix.EBUSY, unix.EBUSY}}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{})
	require.NoError(t, err)

	require.NoError(t, loop.Close())
	assert.Equal(t, []string{"mknod loop0", "set-fd", "set-status", "flush", "clear-fd", "clear-fd", "clear-fd"}, kernel.ops)
}

func TestCloseGivesUpClearing(t *testing.T) {
	busy := make([]error, 64)
	for i := range busy {
		busy[i] = unix.EBUSY
	}
	kernel := &fakeKernel{clearErrs: busy}
	defer kernel.install()()

	dir := t.TempDir()
	ctl := &fakeAllocator{free: []int{0}}

	loop, err := Open(ctl, dir, testBackingFile(t, dir), Options{})
	require.NoError(t, err)

	err = loop.Close()
	var derr *DeviceError
	require.True(t, errors.As(err, &derr))
	assert.Contains(t, err.Error(), "still busy")

	// the handle is spent, closing again stays quiet
	assert.NoError(t, loop.Close())
}
