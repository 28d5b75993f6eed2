package disk

import (
	"strings"
)

type Partition struct {
	// Index of the partition in the table, 0-based, filled in on readback
	Index int

	Start    uint64 // Start of the partition in sectors
	Size     uint64 // Size of the partition in sectors
	Type     string // Partition type, e.g. 0x83 for MBR or a UUID for gpt
	Bootable bool   // `Legacy BIOS bootable` (GPT) or `active` (DOS) flag

	// ID of the partition, dos doesn't use traditional UUIDs, therefore
	// this is just a string.
	UUID string

	// Partition name, only supported on gpt
	Name string

	// GPT attribute bits, by bit number
	Attrs []uint64

	// If nil, the partition is raw; it doesn't contain a filesystem.
	Filesystem *Filesystem
}

// StartInBytes returns the start of the partition in bytes.
func (p *Partition) StartInBytes() uint64 {
	return p.Start * DefaultSectorSize
}

// SizeInBytes returns the size of the partition in bytes.
func (p *Partition) SizeInBytes() uint64 {
	return p.Size * DefaultSectorSize
}

// IsBIOSBoot returns true if the partition is a BIOS boot partition.
func (p *Partition) IsBIOSBoot() bool {
	if p == nil {
		return false
	}
	return strings.EqualFold(p.Type, BIOSBootPartitionGUID)
}

// IsPReP returns true if the partition is a PReP boot partition, in
// either the dos or the gpt spelling.
func (p *Partition) IsPReP() bool {
	if p == nil {
		return false
	}
	return p.Type == PRePartitionDOSID || strings.EqualFold(p.Type, PRePartitionGUID)
}
