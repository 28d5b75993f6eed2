package disk

import (
	"github.com/osbuild/image-assembler/internal/common"
)

// Filesystem related functions
type Filesystem struct {
	Type string `json:"type"`
	// ID of the filesystem, vfat doesn't use traditional UUIDs,
	// therefore this is just a string.
	UUID       string `json:"uuid,omitempty"`
	Label      string `json:"label,omitempty"`
	Mountpoint string `json:"mountpoint,omitempty"`
}

// supported filesystem types, in the order mkfs tools are usually listed
var supportedFilesystemTypes = map[string]bool{
	"ext4":  true,
	"xfs":   true,
	"vfat":  true,
	"btrfs": true,
}

func (fs *Filesystem) check() error {
	if !supportedFilesystemTypes[fs.Type] {
		return common.NewValidationError("unsupported filesystem type: %q", fs.Type)
	}
	return nil
}

// IsRoot returns true when the filesystem is mounted at the tree root.
func (fs *Filesystem) IsRoot() bool {
	return fs.Mountpoint == "/"
}
