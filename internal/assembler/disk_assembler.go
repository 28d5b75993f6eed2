package assembler

import (
	cryptorand "crypto/rand"
	"fmt"
	"math"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/devices"
	"github.com/osbuild/image-assembler/internal/disk"
	"github.com/osbuild/image-assembler/internal/mounts"
)

// DiskAssemblerOptions describe how to assemble a tree into a disk
// image.
//
// The assembler creates an image of the given size, writes a partition
// table with the given PTUUID and partitions to it, installs a boot
// loader, formats the partitions' filesystems and populates them from
// the tree. Finally the image is converted into the target format and
// stored under the given filename.
type DiskAssemblerOptions struct {
	Format     string      `json:"format"`
	Filename   string      `json:"filename"`
	Size       uint64      `json:"size"`
	PTUUID     string      `json:"ptuuid"`
	PTType     string      `json:"pttype,omitempty"`
	Bootloader *Bootloader `json:"bootloader,omitempty"`
	Partitions []Partition `json:"partitions,omitempty"`

	// Legacy shorthand for a single bootable root partition spanning
	// the whole disk, honored when Partitions is empty.
	RootFilesystemUUID uuid.UUID `json:"root_fs_uuid"`
	RootFilesystemType string    `json:"root_fs_type,omitempty"`

	// Format specific converter options.
	Qcow2Compat string `json:"qcow2_compat,omitempty"`
	Subformat   string `json:"subformat,omitempty"`
	Threads     int    `json:"threads,omitempty"`
}

func (DiskAssemblerOptions) isAssemblerOptions() {}

// Bootloader selects the boot mechanism to install. Disk images
// default to grub2 when no type is given.
type Bootloader struct {
	Type string `json:"type"`
}

// Partition is one partition of the requested layout. Start and Size
// are in sectors; a partition without a filesystem stays raw, like the
// BIOS boot partition.
type Partition struct {
	Start    uint64   `json:"start,omitempty"`
	Size     uint64   `json:"size,omitempty"`
	Type     string   `json:"type,omitempty"`
	Bootable bool     `json:"bootable,omitempty"`
	Name     string   `json:"name,omitempty"`
	UUID     string   `json:"uuid,omitempty"`
	Attrs    []uint64 `json:"attrs,omitempty"`

	Filesystem *disk.Filesystem `json:"filesystem,omitempty"`
}

func (p *Partition) toDisk() disk.Partition {
	part := disk.Partition{
		Start:    p.Start,
		Size:     p.Size,
		Type:     p.Type,
		Bootable: p.Bootable,
		Name:     p.Name,
		UUID:     p.UUID,
		Attrs:    p.Attrs,
	}
	if p.Filesystem != nil {
		fs := *p.Filesystem
		part.Filesystem = &fs
	}
	return part
}

// partitionTable builds the table model from the options, falling back
// to the legacy single root partition layout when no partitions were
// given.
func (options *DiskAssemblerOptions) partitionTable() (*disk.PartitionTable, error) {
	label := options.PTType
	if label == "" {
		label = "dos"
	}

	if len(options.Partitions) == 0 {
		root := disk.Filesystem{Type: options.RootFilesystemType}
		if options.RootFilesystemUUID != uuid.Nil {
			root.UUID = options.RootFilesystemUUID.String()
		}
		return disk.NewSingleRootPartitionTable(label, options.PTUUID, root)
	}

	partitions := make([]disk.Partition, len(options.Partitions))
	for i := range options.Partitions {
		partitions[i] = options.Partitions[i].toDisk()
	}
	return disk.NewPartitionTable(label, options.PTUUID, partitions)
}

func (options *DiskAssemblerOptions) bootloaderType() string {
	if options.Bootloader != nil {
		return options.Bootloader.Type
	}
	// backward compatible default
	return "grub2"
}

func (options *DiskAssemblerOptions) assemble(svc *Services, tree, outputDir string) (err error) {
	// reject bad options before anything touches the filesystem
	if options.Size == 0 || options.Size%disk.DefaultSectorSize != 0 {
		return common.NewValidationError("image size must be a positive multiple of %d bytes, got %d",
			disk.DefaultSectorSize, options.Size)
	}
	if err := checkOutputFormat(options.Format); err != nil {
		return err
	}

	pt, err := options.partitionTable()
	if err != nil {
		return err
	}

	installer, err := newBootloader(options.bootloaderType(), svc.Arch)
	if err != nil {
		return err
	}

	// identifiers the options leave out are generated, not required
	bigSeed, err := cryptorand.Int(cryptorand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return fmt.Errorf("cannot seed uuid generation: %w", err)
	}
	/* #nosec G404 */
	rng := rand.New(rand.NewSource(bigSeed.Int64()))
	pt.GenerateUUIDs(rng)

	// the scratch directory lives next to the final artifact, so the
	// raw image never crosses a filesystem boundary on its way there
	scratch, err := os.MkdirTemp(outputDir, "assembler-")
	if err != nil {
		return fmt.Errorf("cannot create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	image := filepath.Join(scratch, "image.raw")
	if err := allocateImage(image, options.Size); err != nil {
		return err
	}

	logrus.Infof("committing %s partition table with %d partitions", pt.Label, len(pt.Partitions))
	if err := writeTable(pt, image); err != nil {
		return err
	}

	if err := installer.InstallCore(image, pt); err != nil {
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

	if err := options.populate(svc, pt, image, root, &releases); err != nil {
		return err
	}

	logrus.Info("copying the tree into the image")
	if err := copyTree(tree, root); err != nil {
		return fmt.Errorf("cannot populate image: %w", err)
	}

	if options.bootloaderType() == "zipl" {
		// IPL records derive from the populated tree and are written
		// to the whole disk, so this runs after the copy
		device, err := svc.Devices.OpenDevice(&devices.OpenRequest{
			Filename: image,
			Lock:     true,
		})
		if err != nil {
			return err
		}
		releases.push(device.Close)
		if err := installer.Finalize(root, device.Path(), pt); err != nil {
			return err
		}
	}

	// everything must be synced, unmounted and detached before the
	// converter reads the image
	if err := releases.release(); err != nil {
		return err
	}

	logrus.Infof("converting the image to %s", options.Format)
	return options.convertImage(image, filepath.Join(outputDir, options.Filename))
}

// populate formats and mounts every filesystem bearing partition,
// parents before children, and pushes the release actions that sync,
// unmount and detach them again in reverse order.
func (options *DiskAssemblerOptions) populate(svc *Services, pt *disk.PartitionTable, image, root string, releases *releaseStack) error {
	parts := pt.PartitionsWithFilesystems()
	sort.Slice(parts, func(i, j int) bool {
		return len(parts[i].Filesystem.Mountpoint) < len(parts[j].Filesystem.Mountpoint)
	})

	for _, part := range parts {
		fs := part.Filesystem

		device, err := svc.Devices.OpenDevice(&devices.OpenRequest{
			Filename: image,
			Start:    part.Start,
			Size:     part.Size,
		})
		if err != nil {
			return err
		}
		releases.push(device.Close)

		logrus.Infof("creating %s filesystem on partition %d", fs.Type, part.Index+1)
		if err := makeFilesystem(fs, device.Path()); err != nil {
			return err
		}

		mount, err := svc.Mounts.Mount(&mounts.Request{
			FSType: fs.Type,
			Source: device.Path(),
			Root:   root,
			Target: fs.Mountpoint,
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
	}

	return nil
}
