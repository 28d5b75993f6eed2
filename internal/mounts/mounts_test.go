package mounts

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/osbuild/image-assembler/internal/common"
)

type mountCall struct {
	source string
	target string
	fstype string
	flags  uintptr
}

type fakeMounts struct {
	mounts   []mountCall
	unmounts []string
	syncs    int
}

func (f *fakeMounts) install() (restore func()) {
	realMount, realUnmount, realSyncfs := sysMount, sysUnmount, syncfs

	sysMount = func(source, target, fstype string, flags uintptr, data string) error {
		f.mounts = append(f.mounts, mountCall{source, target, fstype, flags})
		return nil
	}
	sysUnmount = func(target string, flags int) error {
		f.unmounts = append(f.unmounts, target)
		return nil
	}
	syncfs = func(fd int) error {
		f.syncs++
		return nil
	}

	return func() {
		sysMount, sysUnmount, syncfs = realMount, realUnmount, realSyncfs
	}
}

func TestMountFilesystem(t *testing.T) {
	fake := &fakeMounts{}
	defer fake.install()()

	root := t.TempDir()
	service := NewService()

	mount, err := service.Mount(&Request{
		FSType: "ext4",
		Source: "/dev/loop0",
		Root:   root,
		Target: "/boot",
	})
	require.NoError(t, err)

	mountpoint := filepath.Join(root, "boot")
	assert.Equal(t, mountpoint, mount.Mountpoint())
	assert.DirExists(t, mountpoint)
	require.Len(t, fake.mounts, 1)
	assert.Equal(t, mountCall{"/dev/loop0", mountpoint, "ext4", 0}, fake.mounts[0])
}

func TestMountReadOnly(t *testing.T) {
	fake := &fakeMounts{}
	defer fake.install()()

	service := NewService()
	_, err := service.Mount(&Request{
		FSType:  "vfat",
		Source:  "/dev/loop0",
		Root:    t.TempDir(),
		Target:  "/boot/efi",
		Options: Options{ReadOnly: true},
	})
	require.NoError(t, err)
	require.Len(t, fake.mounts, 1)
	assert.Equal(t, uintptr(unix.MS_RDONLY), fake.mounts[0].flags)
}

func TestMountValidation(t *testing.T) {
	fake := &fakeMounts{}
	defer fake.install()()

	service := NewService()
	var verr *common.ValidationError

	_, err := service.Mount(&Request{FSType: "zfs", Source: "/dev/loop0", Root: t.TempDir(), Target: "/"})
	require.True(t, errors.As(err, &verr))

	_, err = service.Mount(&Request{FSType: "xfs", Root: t.TempDir(), Target: "/"})
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "without a source")

	assert.Empty(t, fake.mounts)
}

func TestNoopMount(t *testing.T) {
	fake := &fakeMounts{}
	defer fake.install()()

	root := t.TempDir()
	service := NewService()

	mount, err := service.Mount(&Request{FSType: "noop", Root: root, Target: "/var/tmp"})
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, "var", "tmp"))
	assert.NoError(t, mount.Sync())
	assert.NoError(t, mount.Umount())
	assert.Empty(t, fake.mounts)
	assert.Empty(t, fake.unmounts)
	assert.Zero(t, fake.syncs)
}

func TestUmountIsIdempotent(t *testing.T) {
	fake := &fakeMounts{}
	defer fake.install()()

	service := NewService()
	mount, err := service.Mount(&Request{
		FSType: "ext4",
		Source: "/dev/loop0",
		Root:   t.TempDir(),
		Target: "/",
	})
	require.NoError(t, err)

	require.NoError(t, mount.Umount())
	require.NoError(t, mount.Umount())
	assert.Len(t, fake.unmounts, 1)
}

func TestSyncFlushesTheFilesystem(t *testing.T) {
	fake := &fakeMounts{}
	defer fake.install()()

	service := NewService()
	mount, err := service.Mount(&Request{
		FSType: "ext4",
		Source: "/dev/loop0",
		Root:   t.TempDir(),
		Target: "/",
	})
	require.NoError(t, err)

	require.NoError(t, mount.Sync())
	assert.Equal(t, 1, fake.syncs)

	// after unmounting there is nothing left to flush
	require.NoError(t, mount.Umount())
	require.NoError(t, mount.Sync())
	assert.Equal(t, 1, fake.syncs)
}
