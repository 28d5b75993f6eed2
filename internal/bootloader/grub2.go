package bootloader

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/disk"
)

// grubHome is where the full boot loader lives inside the tree; the
// core image's prefix points at it.
const grubHome = "/boot/grub2"

// grubLibDir holds the platform directories with the grub modules and
// the stage-1 boot image.
var grubLibDir = "/usr/lib/grub"

var runGrubMkimage = func(args []string) error {
	_, err := common.RunTool("grub2-mkimage", args, nil)
	return err
}

// Grub2 installs the two-stage GRUB2 boot loader: a generated core
// image embedded in a reserved disk region, and for BIOS platforms a
// stage-1 boot image in the boot sector that knows where the core
// lives.
type Grub2 struct {
	arch common.Architecture
}

func (g *Grub2) platform() (string, error) {
	switch g.arch {
	case common.X86_64:
		return "i386-pc", nil
	case common.Ppc64le:
		return "powerpc-ieee1275", nil
	default:
		return "", common.NewValidationError("grub2 is not supported on %s", g.arch)
	}
}

// coreModules selects the modules the core image needs to read the
// boot partition from the raw disk: disk access (BIOS only), the
// partition table format and the boot filesystem.
func coreModules(platform, label, fsType string) ([]string, error) {
	var modules []string

	switch label {
	case "dos":
		modules = append(modules, "part_msdos")
	case "gpt":
		modules = append(modules, "part_gpt")
	default:
		return nil, common.NewValidationError("grub2 does not support %q partition tables", label)
	}

	switch fsType {
	case "ext4":
		// the ext2 module handles the whole ext family
		modules = append(modules, "ext2")
	case "xfs":
		modules = append(modules, "xfs")
	case "btrfs":
		modules = append(modules, "btrfs")
	default:
		return nil, common.NewValidationError("grub2 cannot read %q filesystems", fsType)
	}

	if platform == "i386-pc" {
		modules = append(modules, "biosdisk")
	}

	return modules, nil
}

// corePrefix renders the grub2 device path of the directory holding
// the boot loader's config and modules, e.g. "(,gpt3)/grub2".
// Partition numbers are 1-based; the path is relative to the boot
// partition's mountpoint.
func corePrefix(label string, boot *disk.Partition) string {
	labelPrefix := map[string]string{
		"dos": "msdos",
		"gpt": "gpt",
	}[label]
	relPath := path.Join("/", strings.TrimPrefix(grubHome, boot.Filesystem.Mountpoint))
	return fmt.Sprintf("(,%s%d)%s", labelPrefix, boot.Index+1, relPath)
}

func (g *Grub2) makeCoreImage(platform, prefix string, modules []string) ([]byte, error) {
	output, err := os.CreateTemp("", "grub2-core-*.img")
	if err != nil {
		return nil, fmt.Errorf("cannot create core image file: %w", err)
	}
	output.Close()
	defer os.Remove(output.Name())

	args := append([]string{
		"--verbose",
		"--directory", filepath.Join(grubLibDir, platform),
		"--prefix", prefix,
		"--format", platform,
		"--compression", "auto",
		"--output", output.Name(),
	}, modules...)
	if err := runGrubMkimage(args); err != nil {
		return nil, err
	}

	core, err := os.ReadFile(output.Name())
	if err != nil {
		return nil, fmt.Errorf("cannot read back core image: %w", err)
	}
	return core, nil
}

func (g *Grub2) InstallCore(image string, pt *disk.PartitionTable) error {
	platform, err := g.platform()
	if err != nil {
		return err
	}

	boot := pt.BootPartition()
	if boot == nil {
		return disk.NewGeometryError("no partition holds /boot, cannot install grub2")
	}

	// the region receiving the core must exist before the core is built
	if platform == "powerpc-ieee1275" {
		if pt.FindPRePPartition() == nil {
			return disk.NewGeometryError("no PReP partition to hold the grub2 core")
		}
	} else if pt.Label == "gpt" && pt.FindBIOSBootPartition() == nil {
		return disk.NewGeometryError("gpt layout without a BIOS boot partition")
	}

	modules, err := coreModules(platform, pt.Label, boot.Filesystem.Type)
	if err != nil {
		return err
	}

	core, err := g.makeCoreImage(platform, corePrefix(pt.Label, boot), modules)
	if err != nil {
		return err
	}

	imageFile, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open image: %w", err)
	}
	defer imageFile.Close()

	if platform == "powerpc-ieee1275" {
		// Open Firmware reads the core straight out of the PReP
		// partition, there is no stage 1
		return embedPReP(imageFile, pt, core)
	}

	var location uint64
	if pt.Label == "gpt" {
		location, err = embedBIOSBoot(imageFile, pt, core)
	} else {
		location, err = embedMBRGap(imageFile, pt, core)
	}
	if err != nil {
		return err
	}

	return writeBootImage(imageFile, platform, location)
}

// Finalize is a no-op, grub2 needs nothing from the populated tree.
func (g *Grub2) Finalize(tree, device string, pt *disk.PartitionTable) error {
	return nil
}

// embedMBRGap writes the core into the gap between the boot sector and
// the first partition, returning its location, sector 1.
func embedMBRGap(image *os.File, pt *disk.PartitionTable, core []byte) (uint64, error) {
	if len(pt.Partitions) == 0 {
		return 0, disk.NewGeometryError("cannot embed the grub2 core into an empty partition table")
	}
	gap := pt.Partitions[0].StartInBytes()
	if gap < disk.DefaultSectorSize || uint64(len(core)) > gap-disk.DefaultSectorSize {
		return 0, NewCapacityError("grub2 core of %d bytes does not fit the %d byte gap before the first partition",
			len(core), gap)
	}
	if _, err := image.WriteAt(core, disk.DefaultSectorSize); err != nil {
		return 0, fmt.Errorf("cannot write grub2 core: %w", err)
	}
	return 1, nil
}

// embedBIOSBoot writes the core into the BIOS boot partition and
// patches the core's continuation pointer: 8 little-endian bytes at
// partition-relative offset 500 holding the sector after the core's
// first one.
func embedBIOSBoot(image *os.File, pt *disk.PartitionTable, core []byte) (uint64, error) {
	part := pt.FindBIOSBootPartition()
	if part == nil {
		return 0, disk.NewGeometryError("gpt layout without a BIOS boot partition")
	}
	if part.Start == 0 {
		return 0, disk.NewGeometryError("BIOS boot partition has no committed start")
	}
	if uint64(len(core)) > part.SizeInBytes() {
		return 0, NewCapacityError("grub2 core of %d bytes does not fit the %d byte BIOS boot partition",
			len(core), part.SizeInBytes())
	}

	if _, err := image.WriteAt(core, int64(part.StartInBytes())); err != nil {
		return 0, fmt.Errorf("cannot write grub2 core: %w", err)
	}

	var next [8]byte
	binary.LittleEndian.PutUint64(next[:], part.Start+1)
	if _, err := image.WriteAt(next[:], int64(part.StartInBytes())+500); err != nil {
		return 0, fmt.Errorf("cannot patch grub2 core: %w", err)
	}

	return part.Start, nil
}

// embedPReP copies the core verbatim into the PReP partition, which
// the firmware reads directly.
func embedPReP(image *os.File, pt *disk.PartitionTable, core []byte) error {
	part := pt.FindPRePPartition()
	if part == nil {
		return disk.NewGeometryError("no PReP partition to hold the grub2 core")
	}
	if uint64(len(core)) > part.SizeInBytes()-disk.DefaultSectorSize {
		return NewCapacityError("grub2 core of %d bytes does not fit the %d byte PReP partition",
			len(core), part.SizeInBytes())
	}
	if _, err := image.WriteAt(core, int64(part.StartInBytes())); err != nil {
		return fmt.Errorf("cannot write grub2 core: %w", err)
	}
	return nil
}

// writeBootImage installs the stage-1 boot image into the boot sector.
// Only the first 440 bytes are boot code; the rest of the sector holds
// the partition table and must survive. The core's location in sectors
// goes into the 8 little-endian bytes at offset 0x5c, which is how
// stage 1 finds stage 2.
func writeBootImage(image *os.File, platform string, coreLocation uint64) error {
	boot, err := os.ReadFile(filepath.Join(grubLibDir, platform, "boot.img"))
	if err != nil {
		return fmt.Errorf("cannot read boot image: %w", err)
	}
	if len(boot) < 440 {
		return fmt.Errorf("boot image is truncated: %d bytes", len(boot))
	}

	if _, err := image.WriteAt(boot[:440], 0); err != nil {
		return fmt.Errorf("cannot write boot image: %w", err)
	}

	var location [8]byte
	binary.LittleEndian.PutUint64(location[:], coreLocation)
	if _, err := image.WriteAt(location[:], 0x5c); err != nil {
		return fmt.Errorf("cannot patch boot image: %w", err)
	}
	return nil
}
