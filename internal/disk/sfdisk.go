package disk

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/osbuild/image-assembler/internal/common"
)

// Partition a target using sfdisk(8)

var runSfdisk = func(args []string, stdin io.Reader) ([]byte, error) {
	return common.RunTool("sfdisk", args, stdin)
}

// SfdiskScript renders the table in sfdisk's script syntax: a header
// naming the label and its id, then one line per partition. Fields with
// zero values are left out so sfdisk picks its defaults, which is the
// only way to say "rest of the disk" for the last partition.
func (pt *PartitionTable) SfdiskScript() string {
	var script strings.Builder

	fmt.Fprintf(&script, "label: %s\n", pt.Label)
	if pt.UUID != "" {
		fmt.Fprintf(&script, "label-id: %s\n", pt.UUID)
	}

	for idx := range pt.Partitions {
		script.WriteString(pt.Partitions[idx].sfdiskFields())
		script.WriteString("\n")
	}

	return script.String()
}

func (p *Partition) sfdiskFields() string {
	var fields []string

	appendField := func(name, value string) {
		if value != "" {
			fields = append(fields, fmt.Sprintf("%s=%q", name, value))
		}
	}

	if p.Start != 0 {
		appendField("start", strconv.FormatUint(p.Start, 10))
	}
	if p.Size != 0 {
		appendField("size", strconv.FormatUint(p.Size, 10))
	}
	appendField("type", p.Type)
	appendField("name", p.Name)
	appendField("uuid", p.UUID)
	if len(p.Attrs) > 0 {
		bits := make([]string, len(p.Attrs))
		for i, bit := range p.Attrs {
			bits[i] = strconv.FormatUint(bit, 10)
		}
		appendField("attrs", strings.Join(bits, ","))
	}
	if p.Bootable {
		fields = append(fields, "bootable")
	}

	return strings.Join(fields, ", ")
}

// WriteTo commits the partition table to the target file or device and
// refreshes the model with the values sfdisk actually wrote, so that
// offsets and sizes downstream consumers see are the committed ones.
func (pt *PartitionTable) WriteTo(target string) error {
	script := pt.SfdiskScript()
	if _, err := runSfdisk([]string{"-q", target}, strings.NewReader(script)); err != nil {
		return fmt.Errorf("cannot write partition table to %s: %w", target, err)
	}

	return pt.UpdateFrom(target)
}

// sfdisk --json output
type sfdiskOutput struct {
	PartitionTable sfdiskTable `json:"partitiontable"`
}

type sfdiskTable struct {
	Label      string            `json:"label"`
	ID         string            `json:"id"`
	Unit       string            `json:"unit"`
	Partitions []sfdiskPartition `json:"partitions"`
}

type sfdiskPartition struct {
	Node     string `json:"node"`
	Start    uint64 `json:"start"`
	Size     uint64 `json:"size"`
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Attrs    string `json:"attrs"`
	Bootable bool   `json:"bootable"`
}

// UpdateFrom replaces the model's geometry with the one sfdisk reads
// from the target. sfdisk rounds starts and sizes to its alignment, so
// the values given at construction time are only requests; the read
// back values are what the image really contains.
//
// A partition count that differs from the model means the target does
// not hold the table we committed, which no retry can fix.
func (pt *PartitionTable) UpdateFrom(target string) error {
	output, err := runSfdisk([]string{"--json", target}, nil)
	if err != nil {
		return fmt.Errorf("cannot read partition table from %s: %w", target, err)
	}

	var readback sfdiskOutput
	if err := json.Unmarshal(output, &readback); err != nil {
		return fmt.Errorf("cannot decode sfdisk output for %s: %w", target, err)
	}

	table := readback.PartitionTable
	if len(table.Partitions) != len(pt.Partitions) {
		return NewGeometryError("partition table on %s has %d partitions, expected %d",
			target, len(table.Partitions), len(pt.Partitions))
	}

	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		committed := table.Partitions[idx]

		attrs, err := parseGPTAttrs(committed.Attrs)
		if err != nil {
			return fmt.Errorf("partition %d on %s: %w", idx, target, err)
		}

		part.Index = idx
		part.Start = committed.Start
		part.Size = committed.Size
		part.Type = committed.Type
		part.Name = committed.Name
		part.Attrs = attrs
	}

	return nil
}

// sfdisk reports GPT attribute bits 0-2 by name and everything else in
// a "GUID:n,m" list.
var namedGPTAttrs = map[string]uint64{
	"RequiredPartition":  0,
	"NoBlockIOProtocol":  1,
	"LegacyBIOSBootable": 2,
}

func parseGPTAttrs(attrs string) ([]uint64, error) {
	if attrs == "" {
		return nil, nil
	}

	var bits []uint64
	for _, token := range strings.FieldsFunc(attrs, func(r rune) bool { return r == ' ' || r == ',' }) {
		if bit, ok := namedGPTAttrs[token]; ok {
			bits = append(bits, bit)
			continue
		}
		bit, err := strconv.ParseUint(strings.TrimPrefix(token, "GUID:"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse attribute %q", token)
		}
		bits = append(bits, bit)
	}

	return bits, nil
}
