package assembler

import (
	"path/filepath"

	"github.com/osbuild/image-assembler/internal/common"
)

// TarAssemblerOptions describe how to assemble a tree into a tarball.
//
// The assembler tars the tree with POSIX ACLs, SELinux contexts and
// extended attributes intact, optionally compressing it, and stores
// the archive under the given filename.
type TarAssemblerOptions struct {
	Filename    string `json:"filename"`
	Compression string `json:"compression,omitempty"`
}

func (TarAssemblerOptions) isAssemblerOptions() {}

// tar flag per supported compression type; without one the filename
// suffix decides, via --auto-compress
var tarCompressionFlags = map[string]string{
	"gzip":  "--gzip",
	"bzip2": "--bzip2",
	"xz":    "--xz",
}

func (options *TarAssemblerOptions) assemble(tree, outputDir string) error {
	args := []string{"--auto-compress", "--acls", "--selinux", "--xattrs"}
	if options.Compression != "" {
		flag, ok := tarCompressionFlags[options.Compression]
		if !ok {
			return common.NewValidationError("unsupported tar compression: %q", options.Compression)
		}
		args = append(args, flag)
	}
	args = append(args, "-cf", filepath.Join(outputDir, options.Filename), "-C", tree, ".")

	_, err := runTool("tar", args, nil)
	return err
}
