package assembler

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
	"gopkg.in/djherbis/times.v1"
)

// inode identity, for reconstructing hard links
type inode struct {
	dev uint64
	ino uint64
}

type dirTimes struct {
	path string
	spec times.Timespec
}

// copyTree copies the contents of src into dst, which must exist.
// Modes, ownership, timestamps, extended attributes, symlinks, hard
// links and device nodes all survive the copy. Directories already
// present in dst are reused, the mountpoints are created before the
// copy runs.
func copyTree(src, dst string) error {
	linked := make(map[inode]string)
	var dirs []dirTimes

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("no stat information for %s", path)
		}

		if !info.IsDir() && st.Nlink > 1 {
			id := inode{dev: uint64(st.Dev), ino: st.Ino}
			if first, ok := linked[id]; ok {
				return os.Link(first, target)
			}
			linked[id] = target
		}

		switch {
		case info.IsDir():
			if err := os.Mkdir(target, 0700); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(dest, target); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			if err := copyFileContents(path, target); err != nil {
				return err
			}
		default:
			// device nodes, fifos and sockets carry no contents
			if err := unix.Mknod(target, uint32(st.Mode), int(st.Rdev)); err != nil {
				return fmt.Errorf("cannot create %s: %w", target, err)
			}
		}

		if err := restoreMetadata(path, target, info, st); err != nil {
			return err
		}

		if info.IsDir() {
			// directory times change as entries are copied into them,
			// they get restored once the walk is done
			dirs = append(dirs, dirTimes{path: target, spec: times.Get(info)})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if err := os.Chtimes(dir.path, dir.spec.AccessTime(), dir.spec.ModTime()); err != nil {
			return err
		}
	}
	return nil
}

func copyFileContents(path, target string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, source); err != nil {
		out.Close()
		return fmt.Errorf("cannot copy %s: %w", path, err)
	}
	return out.Close()
}

func restoreMetadata(path, target string, info os.FileInfo, st *syscall.Stat_t) error {
	if err := os.Lchown(target, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("cannot restore ownership of %s: %w", target, err)
	}
	if err := copyXattrs(path, target); err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		// symlinks have neither modes nor timestamps of their own
		return nil
	}
	// modes are restored after chown, which strips setuid bits
	mode := info.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	if err := os.Chmod(target, mode); err != nil {
		return fmt.Errorf("cannot restore mode of %s: %w", target, err)
	}
	if info.IsDir() {
		return nil
	}
	ts := times.Get(info)
	return os.Chtimes(target, ts.AccessTime(), ts.ModTime())
}

// copyXattrs copies all extended attributes of one file; target
// filesystems that cannot hold them, like vfat, are tolerated.
func copyXattrs(path, target string) error {
	names, err := xattr.LList(path)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return nil
		}
		return err
	}
	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			return err
		}
		if err := xattr.LSet(target, name, value); err != nil {
			if errors.Is(err, unix.ENOTSUP) {
				continue
			}
			return err
		}
	}
	return nil
}
