package disk

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/osbuild/image-assembler/internal/common"
)

type PartitionTable struct {
	Label      string      `json:"label"` // Partition table type, dos or gpt
	UUID       string      `json:"uuid"`  // Identifier of the partition table
	Partitions []Partition `json:"partitions"`
}

// NewPartitionTable creates a partition table from the values a manifest
// carries, validating them up front so that problems surface before any
// tool touches the target. "mbr" is accepted as an alias for "dos".
func NewPartitionTable(label, tableUUID string, partitions []Partition) (*PartitionTable, error) {
	switch label {
	case "mbr":
		label = "dos"
	case "dos", "gpt":
	default:
		return nil, common.NewValidationError("unsupported partition table label: %q", label)
	}

	pt := &PartitionTable{
		Label:      label,
		UUID:       tableUUID,
		Partitions: make([]Partition, len(partitions)),
	}
	copy(pt.Partitions, partitions)

	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		part.Index = idx
		for _, bit := range part.Attrs {
			if bit > 63 {
				return nil, common.NewValidationError("partition %d: attribute bit %d out of range", idx, bit)
			}
		}
		if part.Filesystem == nil {
			continue
		}
		if err := part.Filesystem.check(); err != nil {
			return nil, err
		}
	}

	return pt, nil
}

// NewSingleRootPartitionTable builds the layout manifests imply when
// they carry no explicit partition list: one bootable partition of type
// "83", starting at sector 2048 and spanning the rest of the disk,
// holding the root filesystem.
func NewSingleRootPartitionTable(label, tableUUID string, root Filesystem) (*PartitionTable, error) {
	if root.Type == "" {
		root.Type = "ext4"
	}
	root.Mountpoint = "/"
	return NewPartitionTable(label, tableUUID, []Partition{
		{
			Bootable:   true,
			Type:       FilesystemLinuxDOSID,
			Start:      2048,
			Filesystem: &root,
		},
	})
}

// FindPartitionForMountpoint returns the partition carrying the
// filesystem mounted at the given mountpoint, if any.
func (pt *PartitionTable) FindPartitionForMountpoint(mountpoint string) *Partition {
	for idx := range pt.Partitions {
		fs := pt.Partitions[idx].Filesystem
		if fs != nil && fs.Mountpoint == mountpoint {
			return &pt.Partitions[idx]
		}
	}
	return nil
}

// RootPartition returns the partition carrying the root filesystem, if
// the table has one.
func (pt *PartitionTable) RootPartition() *Partition {
	return pt.FindPartitionForMountpoint("/")
}

// BootPartition returns the partition the boot loader reads its second
// stage from: the one mounted at /boot, or the root partition when
// /boot is not split out.
func (pt *PartitionTable) BootPartition() *Partition {
	if boot := pt.FindPartitionForMountpoint("/boot"); boot != nil {
		return boot
	}
	return pt.RootPartition()
}

// FindPRePPartition returns the PReP boot partition, if the table has
// one.
func (pt *PartitionTable) FindPRePPartition() *Partition {
	for idx := range pt.Partitions {
		if pt.Partitions[idx].IsPReP() {
			return &pt.Partitions[idx]
		}
	}
	return nil
}

// FindBIOSBootPartition returns the BIOS boot partition, if the table
// has one.
func (pt *PartitionTable) FindBIOSBootPartition() *Partition {
	for idx := range pt.Partitions {
		if pt.Partitions[idx].IsBIOSBoot() {
			return &pt.Partitions[idx]
		}
	}
	return nil
}

// PartitionsWithFilesystems returns all partitions carrying a
// filesystem, in disk order.
func (pt *PartitionTable) PartitionsWithFilesystems() []*Partition {
	var parts []*Partition
	for idx := range pt.Partitions {
		if pt.Partitions[idx].Filesystem != nil {
			parts = append(parts, &pt.Partitions[idx])
		}
	}
	return parts
}

// GenerateUUIDs generates and sets identifiers for all the partitions
// and filesystems in the table that don't have one yet. Partition UUIDs
// are only generated on gpt, dos has no such concept.
func (pt *PartitionTable) GenerateUUIDs(rng *rand.Rand) {
	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		if pt.Label == "gpt" {
			part.GenUUID(rng)
		}
		if part.Filesystem != nil {
			part.Filesystem.GenUUID(rng)
		}
	}
}

// GenUUID generates a new random UUID for the partition if it does not
// yet have one.
func (p *Partition) GenUUID(rng *rand.Rand) {
	if p.UUID == "" {
		p.UUID = uuid.Must(newRandomUUIDFromReader(rng)).String()
	}
}

// GenUUID generates a new random UUID for the filesystem if it does not
// yet have one. vfat does not use traditional UUIDs and gets a 32 bit
// volume id instead.
func (fs *Filesystem) GenUUID(rng *rand.Rand) {
	if fs.UUID != "" {
		return
	}
	if fs.Type == "vfat" {
		fs.UUID = NewVolIDFromRand(rng)
	} else {
		fs.UUID = uuid.Must(newRandomUUIDFromReader(rng)).String()
	}
}
