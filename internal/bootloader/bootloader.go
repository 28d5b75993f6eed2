// Package bootloader installs boot loaders into partitioned disk
// images. Two mechanisms exist: GRUB2, whose core image is embedded at
// byte level into reserved regions of the disk, and zipl for s390x,
// which writes IPL records derived from the installed tree's boot
// loader entries.
package bootloader

import (
	"fmt"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/disk"
)

// Installer is a boot loader being installed into one image.
type Installer interface {
	// InstallCore writes the boot code living outside any filesystem.
	// It runs right after the partition table is committed, while the
	// image is still empty; it only touches reserved regions.
	InstallCore(image string, pt *disk.PartitionTable) error

	// Finalize runs after the tree has been copied into the mounted
	// filesystems, for mechanisms that need the populated tree. tree
	// is the scratch root, device the whole-disk block device.
	Finalize(tree, device string, pt *disk.PartitionTable) error
}

// New selects the installer for the requested boot loader type.
func New(kind string, arch common.Architecture) (Installer, error) {
	switch kind {
	case "grub2":
		return &Grub2{arch: arch}, nil
	case "zipl":
		return &Zipl{}, nil
	default:
		return nil, common.NewValidationError("unsupported bootloader type: %q", kind)
	}
}

// CapacityError reports a boot loader core that does not fit the
// region reserved for it.
type CapacityError struct {
	reason string
}

func NewCapacityError(format string, args ...interface{}) *CapacityError {
	return &CapacityError{
		reason: fmt.Sprintf(format, args...),
	}
}

func (e *CapacityError) Error() string {
	return e.reason
}
