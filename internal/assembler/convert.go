package assembler

import (
	"fmt"
	"os"
	"strconv"

	"github.com/osbuild/image-assembler/internal/common"
)

// the closed set of supported output formats
var outputFormats = map[string]bool{
	"raw":    true,
	"raw.xz": true,
	"qcow2":  true,
	"vdi":    true,
	"vmdk":   true,
	"vpc":    true,
	"vhdx":   true,
}

// allocateImage creates a sparse file of the given size. The size was
// validated before, so running out of address space here is a bug.
func allocateImage(path string, size uint64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create image: %w", err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return fmt.Errorf("cannot allocate image of %d bytes: %w", size, err)
	}
	return file.Close()
}

// convertImage serializes the raw image into the requested container
// format at dest, consuming it: raw images move, everything else is
// read by the converter. The scratch image lives next to dest so the
// raw case never needs a second full-size copy.
func (options *DiskAssemblerOptions) convertImage(image, dest string) error {
	switch options.Format {
	case "raw":
		return os.Rename(image, dest)

	case "raw.xz":
		out, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("cannot create compressed image: %w", err)
		}
		args := []string{"--keep", "--stdout", "--threads=1", "-0", image}
		if err := runToolStream("xz", args, nil, out); err != nil {
			out.Close()
			return err
		}
		return out.Close()

	default:
		args := []string{"convert", "-O", options.Format}
		if options.Format == "qcow2" && options.Qcow2Compat != "" {
			args = append(args, "-o", "compat="+options.Qcow2Compat)
		}
		if options.Subformat != "" {
			args = append(args, "-o", "subformat="+options.Subformat)
		}
		if options.Threads > 0 {
			args = append(args, "-m", strconv.Itoa(options.Threads))
		}
		args = append(args, image, dest)
		_, err := runTool("qemu-img", args, nil)
		return err
	}
}

func checkOutputFormat(format string) error {
	if !outputFormats[format] {
		return common.NewValidationError("unsupported output format: %q", format)
	}
	return nil
}
