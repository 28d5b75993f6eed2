package assembler

import (
	"strings"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/disk"
)

// makeFilesystem formats the device with the filesystem the partition
// asks for. Each type has its own formatter with its own flag spelling
// for uuids and labels.
func makeFilesystem(fs *disk.Filesystem, device string) error {
	var tool string
	var args []string

	switch fs.Type {
	case "ext4":
		tool = "mkfs.ext4"
		args = []string{"-U", fs.UUID}
		if fs.Label != "" {
			args = append(args, "-L", fs.Label)
		}
	case "xfs":
		tool = "mkfs.xfs"
		args = []string{"-m", "uuid=" + fs.UUID}
		if fs.Label != "" {
			args = append(args, "-L", fs.Label)
		}
	case "btrfs":
		tool = "mkfs.btrfs"
		args = []string{"-U", fs.UUID}
		if fs.Label != "" {
			args = append(args, "-L", fs.Label)
		}
	case "vfat":
		tool = "mkfs.fat"
		// mkfs.fat wants the volume id without the separator
		args = []string{"-i", strings.ReplaceAll(fs.UUID, "-", "")}
		if fs.Label != "" {
			args = append(args, "-n", fs.Label)
		}
	default:
		return common.NewValidationError("cannot create filesystem of unsupported type: %q", fs.Type)
	}

	args = append(args, device)
	_, err := runTool(tool, args, nil)
	return err
}
