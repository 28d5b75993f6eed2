// Package assembler turns populated filesystem trees into deliverable
// artifacts: partitioned bootable disk images, bare filesystem images
// or tarballs. The disk assembler drives the whole build sequence,
// partitioning, boot loader installation, formatting, population and
// container format conversion; everything needing privileges goes
// through the devices and mounts services.
package assembler

import (
	"encoding/json"

	"github.com/osbuild/image-assembler/internal/bootloader"
	"github.com/osbuild/image-assembler/internal/common"
	"github.com/osbuild/image-assembler/internal/devices"
	"github.com/osbuild/image-assembler/internal/disk"
	"github.com/osbuild/image-assembler/internal/mounts"
)

// seams for tests, the heavy lifting happens in external tools and in
// code needing privileges
var (
	runTool       = common.RunTool
	runToolStream = common.RunToolStream
	writeTable    = (*disk.PartitionTable).WriteTo
	newBootloader = bootloader.New
)

// Services bundles the privileged brokers the assemblers drive. In a
// single-privilege deployment these are the in-process services; an
// unprivileged build wires up clients of the host helper instead.
type Services struct {
	Devices devices.Opener
	Mounts  mounts.Manager
	Arch    common.Architecture
}

// Manifest is the document the CLI consumes: which assembler to run,
// and with which options.
type Manifest struct {
	Assembler Assembler `json:"assembler"`
}

// An Assembler turns a filesystem tree into a target image.
type Assembler struct {
	Name    string           `json:"name"`
	Options AssemblerOptions `json:"options"`
}

// AssemblerOptions specify the operation of a given assembler type.
type AssemblerOptions interface {
	isAssemblerOptions()
}

type rawAssembler struct {
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options"`
}

// UnmarshalJSON unmarshals JSON into an Assembler object. Each type of
// assembler has its own options type, selected based on the name, and
// unknown names are rejected here, before any work starts.
func (assembler *Assembler) UnmarshalJSON(data []byte) error {
	var rawAssembler rawAssembler
	err := json.Unmarshal(data, &rawAssembler)
	if err != nil {
		return err
	}
	var options AssemblerOptions
	switch rawAssembler.Name {
	case "disk":
		options = new(DiskAssemblerOptions)
	case "rawfs":
		options = new(RawFSAssemblerOptions)
	case "tar":
		options = new(TarAssemblerOptions)
	default:
		return common.NewValidationError("unexpected assembler name: %q", rawAssembler.Name)
	}
	err = json.Unmarshal(rawAssembler.Options, options)
	if err != nil {
		return err
	}

	assembler.Name = rawAssembler.Name
	assembler.Options = options

	return nil
}

// MarshalJSON is needed because the options interface carries no JSON
// tags of its own.
func (assembler Assembler) MarshalJSON() ([]byte, error) {
	var rawAssembler rawAssembler
	rawAssembler.Name = assembler.Name
	options, err := json.Marshal(assembler.Options)
	if err != nil {
		return nil, err
	}
	rawAssembler.Options = options
	return json.Marshal(rawAssembler)
}

// Assemble runs the assembler on the populated tree, leaving the final
// artifact in outputDir.
func (assembler *Assembler) Assemble(svc *Services, tree, outputDir string) error {
	switch options := assembler.Options.(type) {
	case *DiskAssemblerOptions:
		return options.assemble(svc, tree, outputDir)
	case *RawFSAssemblerOptions:
		return options.assemble(svc, tree, outputDir)
	case *TarAssemblerOptions:
		return options.assemble(tree, outputDir)
	default:
		return common.NewValidationError("unexpected assembler name: %q", assembler.Name)
	}
}
