package assembler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/devices"
	"github.com/osbuild/image-assembler/internal/disk"
	"github.com/osbuild/image-assembler/internal/mounts"
)

// RawFSAssemblerOptions describe how to assemble a tree into a raw
// filesystem image: a single filesystem spanning the whole image, with
// no partition table and no boot loader.
type RawFSAssemblerOptions struct {
	Filename           string    `json:"filename"`
	RootFilesystemUUID uuid.UUID `json:"root_fs_uuid"`
	Size               uint64    `json:"size"`
	FilesystemType     string    `json:"fs_type,omitempty"`
}

func (RawFSAssemblerOptions) isAssemblerOptions() {}

func (options *RawFSAssemblerOptions) assemble(svc *Services, tree, outputDir string) (err error) {
	if options.Size == 0 || options.Size%disk.DefaultSectorSize != 0 {
		return common.NewValidationError("image size must be a positive multiple of %d bytes, got %d",
			disk.DefaultSectorSize, options.Size)
	}
	if options.RootFilesystemUUID == uuid.Nil {
		return common.NewValidationError("raw filesystem images need a root filesystem uuid")
	}

	fs := disk.Filesystem{
		Type:       options.FilesystemType,
		UUID:       options.RootFilesystemUUID.String(),
		Mountpoint: "/",
	}
	if fs.Type == "" {
		fs.Type = "ext4"
	}
	switch fs.Type {
	case "ext4", "xfs", "vfat", "btrfs":
	default:
		return common.NewValidationError("cannot create filesystem of unsupported type: %q", fs.Type)
	}

	scratch, err := os.MkdirTemp(outputDir, "assembler-")
	if err != nil {
		return fmt.Errorf("cannot create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	image := filepath.Join(scratch, "image.raw")
	if err := allocateImage(image, options.Size); err != nil {
		return err
	}

	root := filepath.Join(scratch, "root")
	if err := os.Mkdir(root, 0755); err != nil {
		return fmt.Errorf("cannot create scratch root: %w", err)
	}

	var releases releaseStack
	defer func() {
		if rerr := releases.release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	device, err := svc.Devices.OpenDevice(&devices.OpenRequest{Filename: image})
	if err != nil {
		return err
	}
	releases.push(device.Close)

	logrus.Infof("creating %s filesystem spanning the image", fs.Type)
	if err := makeFilesystem(&fs, device.Path()); err != nil {
		return err
	}

	mount, err := svc.Mounts.Mount(&mounts.Request{
		FSType: fs.Type,
		Source: device.Path(),
		Root:   root,
		Target: "/",
	})
	if err != nil {
		return err
	}
	releases.push(func() error {
		syncErr := mount.Sync()
		if err := mount.Umount(); err != nil {
			return err
		}
		return syncErr
	})

	if err := copyTree(tree, root); err != nil {
		return fmt.Errorf("cannot populate image: %w", err)
	}

	if err := releases.release(); err != nil {
		return err
	}

	return os.Rename(image, filepath.Join(outputDir, options.Filename))
}
