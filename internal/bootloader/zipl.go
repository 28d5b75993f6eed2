package bootloader

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/disk"
)

var runZipl = func(args []string) error {
	_, err := common.RunTool("zipl", args, nil)
	return err
}

// Zipl writes the IPL boot records for s390x. Unlike grub2 it can only
// run once the tree is in place: the records point at the kernel and
// initrd named by the installed Boot Loader Specification entry.
type Zipl struct{}

func (z *Zipl) InstallCore(image string, pt *disk.PartitionTable) error {
	return nil
}

func (z *Zipl) Finalize(tree, device string, pt *disk.PartitionTable) error {
	entry, err := findBLSEntry(filepath.Join(tree, "boot/loader/entries"))
	if err != nil {
		return err
	}
	kernel, initrd, options, err := parseBLSEntry(entry)
	if err != nil {
		return err
	}

	boot := pt.BootPartition()
	if boot == nil {
		return disk.NewGeometryError("no partition holds /boot, cannot write the boot records")
	}

	return runZipl([]string{
		"--verbose",
		"--target", filepath.Join(tree, "boot"),
		"--image", filepath.Join(tree, kernel),
		"--ramdisk", filepath.Join(tree, initrd),
		"--parameters", options,
		"--targetbase", device,
		"--targettype", "SCSI",
		"--targetblocksize", "512",
		"--targetoffset", strconv.FormatUint(boot.Start, 10),
	})
}

// findBLSEntry returns the first Boot Loader Specification entry under
// dir that is not a rescue entry.
func findBLSEntry(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("cannot read boot loader entries: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".conf") || strings.Contains(name, "rescue") {
			continue
		}
		return filepath.Join(dir, name), nil
	}
	return "", common.NewValidationError("no boot loader entry found in %s", dir)
}

// parseBLSEntry extracts the kernel, initrd and kernel options from a
// Boot Loader Specification entry, a text file of space-separated
// "key value" lines.
func parseBLSEntry(path string) (kernel, initrd, options string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", "", fmt.Errorf("cannot open boot loader entry: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		value := strings.TrimSpace(fields[1])
		switch fields[0] {
		case "linux":
			kernel = value
		case "initrd":
			initrd = value
		case "options":
			options = value
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", "", fmt.Errorf("cannot read boot loader entry: %w", err)
	}

	if kernel == "" || initrd == "" {
		return "", "", "", common.NewValidationError("boot loader entry %s names no kernel or initrd", path)
	}
	return kernel, initrd, options, nil
}
