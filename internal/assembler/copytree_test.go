package assembler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCopyTreeContents(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc", "sysconfig"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "fstab"), []byte("UUID=abc / ext4 defaults 0 0\n"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "sysconfig", "kernel"), []byte("UPDATEDEFAULT=yes\n"), 0644))

	// creation modes are subject to the umask, the copy is not
	require.NoError(t, os.Chmod(filepath.Join(src, "etc", "fstab"), 0640))
	require.NoError(t, os.Chmod(filepath.Join(src, "etc", "sysconfig"), 0755))

	require.NoError(t, copyTree(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "etc", "fstab"))
	require.NoError(t, err)
	assert.Equal(t, "UUID=abc / ext4 defaults 0 0\n", string(data))

	info, err := os.Stat(filepath.Join(dst, "etc", "fstab"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode())

	info, err = os.Stat(filepath.Join(dst, "etc", "sysconfig"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestCopyTreeSymlink(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "vmlinuz-5.8"), []byte("kernel"), 0755))
	require.NoError(t, os.Symlink("vmlinuz-5.8", filepath.Join(src, "vmlinuz")))
	// links are copied verbatim, even when they point nowhere
	require.NoError(t, os.Symlink("../run/missing", filepath.Join(src, "dangling")))

	require.NoError(t, copyTree(src, dst))

	dest, err := os.Readlink(filepath.Join(dst, "vmlinuz"))
	require.NoError(t, err)
	assert.Equal(t, "vmlinuz-5.8", dest)

	dest, err = os.Readlink(filepath.Join(dst, "dangling"))
	require.NoError(t, err)
	assert.Equal(t, "../run/missing", dest)
}

func TestCopyTreeHardlink(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(src, "busybox"), []byte("ELF"), 0755))
	require.NoError(t, os.Link(filepath.Join(src, "busybox"), filepath.Join(src, "sh")))

	require.NoError(t, copyTree(src, dst))

	first, err := os.Stat(filepath.Join(dst, "busybox"))
	require.NoError(t, err)
	second, err := os.Stat(filepath.Join(dst, "sh"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(first, second), "hard links should share an inode after the copy")
}

func TestCopyTreeTimestamps(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	stamp := time.Unix(1234567890, 0)
	require.NoError(t, os.Mkdir(filepath.Join(src, "boot"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "boot", "vmlinuz"), []byte("kernel"), 0755))
	require.NoError(t, os.Chtimes(filepath.Join(src, "boot", "vmlinuz"), stamp, stamp))
	require.NoError(t, os.Chtimes(filepath.Join(src, "boot"), stamp, stamp))

	require.NoError(t, copyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "boot", "vmlinuz"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(stamp))

	// directory times survive the files being copied into it
	info, err = os.Stat(filepath.Join(dst, "boot"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(stamp))
}

func TestCopyTreeIntoMountpoints(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	// mounted filesystems already carry their mountpoint directories
	require.NoError(t, os.Mkdir(filepath.Join(dst, "boot"), 0755))

	require.NoError(t, os.Mkdir(filepath.Join(src, "boot"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "boot", "grub.cfg"), []byte("set default=0\n"), 0644))

	require.NoError(t, copyTree(src, dst))

	_, err := os.Stat(filepath.Join(dst, "boot", "grub.cfg"))
	assert.NoError(t, err)
}

func TestCopyTreeSetuid(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	path := filepath.Join(src, "passwd")
	require.NoError(t, os.WriteFile(path, []byte("ELF"), 0755))
	require.NoError(t, os.Chmod(path, 0755|os.ModeSetuid))

	require.NoError(t, copyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "passwd"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755)|os.ModeSetuid, info.Mode())
}

func TestCopyTreeFifo(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	require.NoError(t, unix.Mkfifo(filepath.Join(src, "initctl"), 0600))

	require.NoError(t, copyTree(src, dst))

	info, err := os.Stat(filepath.Join(dst, "initctl"))
	require.NoError(t, err)
	assert.Equal(t, os.ModeNamedPipe, info.Mode()&os.ModeType)
}

func TestCopyTreeXattrs(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	path := filepath.Join(src, "ping")
	require.NoError(t, os.WriteFile(path, []byte("ELF"), 0755))
	if err := xattr.LSet(path, "user.caps", []byte("cap_net_raw+p")); err != nil {
		t.Skipf("filesystem does not support extended attributes: %v", err)
	}

	require.NoError(t, copyTree(src, dst))

	value, err := xattr.LGet(filepath.Join(dst, "ping"), "user.caps")
	require.NoError(t, err)
	assert.Equal(t, []byte("cap_net_raw+p"), value)
}

func TestCopyTreeMissingSource(t *testing.T) {
	dst := t.TempDir()

	err := copyTree(filepath.Join(dst, "no-such-tree"), dst)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
