package convertlib

import (
	"fmt"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
)

// PartitionRole identifies a partition's purpose within the converted
// image's fixed layout.
type PartitionRole string

const (
	PartitionRoleBoot    PartitionRole = "boot"
	PartitionRoleRootfsA PartitionRole = "rootfs_a"
	PartitionRoleRootfsB PartitionRole = "rootfs_b"
	PartitionRoleData    PartitionRole = "data"
)

// PartitionSpec describes one partition of a planned disk layout. All units
// are sectors.
type PartitionSpec struct {
	Role        PartitionRole
	Number      int // partition number, starting at 1
	StartSector uint64
	SizeSectors uint64
	FsType      string
	TypeId      string // sfdisk partition type (MBR id or GPT type UUID)
	Bootable    bool
}

func (s PartitionSpec) EndSector() uint64 {
	return s.StartSector + s.SizeSectors - 1
}

// DiskLayout is a complete partition plan for a converted disk image.
// Partitions are ordered by ascending start sector and every start is a
// multiple of AlignmentSectors.
type DiskLayout struct {
	SectorSize       uint64
	AlignmentSectors uint64
	Partitions       []PartitionSpec
	TotalSizeBytes   uint64
}

// PartitionByRole returns the partition with the given role.
func (l *DiskLayout) PartitionByRole(role PartitionRole) (PartitionSpec, bool) {
	for _, partition := range l.Partitions {
		if partition.Role == role {
			return partition, true
		}
	}
	return PartitionSpec{}, false
}

// AlignUp returns the smallest multiple of alignment that is >= value.
// alignment must be > 0.
func AlignUp(value uint64, alignment uint64) uint64 {
	return ((value + alignment - 1) / alignment) * alignment
}

// gpt secondary table: header sector plus the partition entries array.
func gptEndOverheadSectors(sectorSize uint64) uint64 {
	const gptEntriesArrayBytes = 16 * diskutils.KiB
	return 1 + AlignUp(gptEntriesArrayBytes, sectorSize)/sectorSize
}

// PlanDiskLayout computes the converted image's partition layout.
//
// rootfsSizeSectors is the size each of the two rootfs partitions must have
// (typically the shrunk source rootfs size). dataSizeMB is the requested
// size of the persistent data partition in MiB; it is rounded up to the
// alignment unit. The result is deterministic: identical inputs always
// produce identical layouts.
func PlanDiskLayout(profile *DeviceProfile, rootfsSizeSectors uint64, dataSizeMB uint64, sectorSize uint64,
) (*DiskLayout, error) {
	if sectorSize == 0 {
		return nil, NewConversionError(ErrInvalidSize, "sector size must be set")
	}
	if rootfsSizeSectors == 0 {
		return nil, NewConversionError(ErrInvalidSize, "rootfs partition size must be set")
	}
	if dataSizeMB == 0 {
		return nil, NewConversionError(ErrInvalidSize, "data partition size must be set")
	}
	if profile.AlignmentBytes == 0 || profile.AlignmentBytes%sectorSize != 0 {
		return nil, NewConversionError(ErrInvalidSize,
			fmt.Sprintf("partition alignment (%d) is not a multiple of the sector size (%d)",
				profile.AlignmentBytes, sectorSize))
	}

	alignmentSectors := profile.AlignmentBytes / sectorSize

	layout := &DiskLayout{
		SectorSize:       sectorSize,
		AlignmentSectors: alignmentSectors,
	}

	// The first partition starts one alignment unit in, leaving room for the
	// partition table and the bootloader gap.
	nextStart := alignmentSectors
	nextNumber := 1

	addPartition := func(role PartitionRole, sizeSectors uint64, fsType string, typeId string, bootable bool) {
		layout.Partitions = append(layout.Partitions, PartitionSpec{
			Role:        role,
			Number:      nextNumber,
			StartSector: nextStart,
			SizeSectors: sizeSectors,
			FsType:      fsType,
			TypeId:      typeId,
			Bootable:    bootable,
		})
		nextStart += sizeSectors
		nextNumber++
	}

	if profile.HasBootPartition {
		if profile.BootPartSizeBytes == 0 {
			return nil, NewConversionError(ErrInvalidSize, "boot partition size must be set")
		}
		bootSizeSectors := AlignUp(profile.BootPartSizeBytes/sectorSize, alignmentSectors)
		addPartition(PartitionRoleBoot, bootSizeSectors, profile.BootPartFsType, profile.BootPartTypeId,
			profile.BootPartBootFlag)
	}

	rootfsSizeSectors = AlignUp(rootfsSizeSectors, alignmentSectors)
	addPartition(PartitionRoleRootfsA, rootfsSizeSectors, "ext4", profile.RootfsPartTypeId, false)
	addPartition(PartitionRoleRootfsB, rootfsSizeSectors, "ext4", profile.RootfsPartTypeId, false)

	dataSizeSectors := AlignUp(dataSizeMB*diskutils.MiB/sectorSize, alignmentSectors)
	addPartition(PartitionRoleData, dataSizeSectors, "ext4", profile.DataPartTypeId, false)

	totalSectors := nextStart
	if profile.PartitionTableType == PartitionTableTypeGpt {
		totalSectors += gptEndOverheadSectors(sectorSize)
	}
	layout.TotalSizeBytes = totalSectors * sectorSize

	return layout, nil
}
