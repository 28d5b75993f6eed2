// Package disk models partition tables the way they are committed to
// disk images: a table has a label (the table format), an identifier and
// an ordered list of partitions, each optionally carrying a filesystem.
//
// The model stays deliberately close to sfdisk(8): tables are written by
// rendering an sfdisk script and are refreshed by parsing `sfdisk --json`
// output, so sizes and offsets always end up kernel-normalized.
package disk

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/google/uuid"
)

const (
	// DefaultSectorSize is the size of a disk sector in bytes. All
	// partition offsets and sizes in this package count these sectors.
	DefaultSectorSize = 512

	BIOSBootPartitionGUID = "21686148-6449-6E6F-744E-656564454649"
	BIOSBootPartitionUUID = "FAC7F1FB-3E8D-4137-A512-961DE09A5549"

	EFISystemPartitionGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	EFISystemPartitionUUID = "68B2905B-DF3E-4FB3-80FA-49D1E773AA33"

	FilesystemDataGUID = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	FilesystemDataUUID = "CB07C243-BC44-4717-853E-28852021225B"

	PRePartitionGUID = "9E1A2D38-C612-4316-AA26-8B49521E5A8B"

	FilesystemLinuxDOSID = "83"
	FilesystemVfatDOSID  = "06"
	PRePartitionDOSID    = "41"
)

// GeometryError reports a committed partition table that does not match
// the layout the model expects. It is fatal: the backing file cannot be
// trusted once the kernel's view diverges from ours.
type GeometryError struct {
	reason string
}

func NewGeometryError(format string, args ...interface{}) *GeometryError {
	return &GeometryError{
		reason: fmt.Sprintf(format, args...),
	}
}

func (e *GeometryError) Error() string {
	return e.reason
}

// newRandomUUIDFromReader creates a random UUID (version 4 variant 2)
// using the given reader as its entropy source.
func newRandomUUIDFromReader(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	_, err := io.ReadFull(r, id[:])
	if err != nil {
		return uuid.Nil, err
	}
	id[6] = (id[6] & 0x0f) | 0x40 // Version 4
	id[8] = (id[8] & 0x3f) | 0x80 // Variant is 10
	return id, nil
}

// NewVolIDFromRand creates a random 32 bit volume id for usage with vfat
// filesystems, in the dashed form blkid reports it.
func NewVolIDFromRand(r *rand.Rand) string {
	volid := make([]byte, 4)
	len, _ := r.Read(volid)
	if len != 4 {
		panic("expected four random bytes")
	}
	return fmt.Sprintf("%02x%02x-%02x%02x", volid[0], volid[1], volid[2], volid[3])
}
