package convertlib

import (
	"fmt"
	"strings"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/safeloopback"
)

// BuildDiskImage materializes a planned layout: allocates the image file,
// writes its partition table, formats every partition, and verifies the
// written table matches the plan.
func BuildDiskImage(imagePath string, profile *DeviceProfile, layout *DiskLayout) error {
	logger.Log.Infof("Creating disk image (%s), %d bytes", imagePath, layout.TotalSizeBytes)

	err := diskutils.CreateSparseDisk(imagePath, layout.TotalSizeBytes, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create disk image (%s):\n%w", imagePath, err)
	}

	imageLoopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind new disk image (%s)", imagePath), err)
	}
	defer imageLoopback.Close()

	err = buildDiskImageHelper(imageLoopback, profile, layout)
	if err != nil {
		return err
	}

	return imageLoopback.CleanClose()
}

func buildDiskImageHelper(imageLoopback *safeloopback.Loopback, profile *DeviceProfile, layout *DiskLayout,
) error {
	diskDevPath := imageLoopback.DevicePath()

	sfdiskScript := sfdiskScriptFromLayout(profile, layout)
	err := diskutils.WritePartitionTable(diskDevPath, sfdiskScript)
	if err != nil {
		return err
	}

	for _, partition := range layout.Partitions {
		partDevPath := imageLoopback.PartitionDevPath(partition.Number)

		logger.Log.Infof("Formatting partition %d (%s) as %s", partition.Number, partition.Role,
			partition.FsType)

		err = diskutils.FormatPartition(diskDevPath, partDevPath, partition.FsType,
			mkfsOptions(partition)...)
		if err != nil {
			return err
		}
	}

	return verifyDiskImage(diskDevPath, layout)
}

// sfdiskScriptFromLayout renders the layout as an sfdisk script: a header
// selecting the table kind, then one line per partition in layout order.
func sfdiskScriptFromLayout(profile *DeviceProfile, layout *DiskLayout) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("label: %s\n", profile.PartitionTableType))
	builder.WriteString("unit: sectors\n")
	builder.WriteString("\n")

	for _, partition := range layout.Partitions {
		builder.WriteString(fmt.Sprintf("start=%d, size=%d, type=%s",
			partition.StartSector, partition.SizeSectors, partition.TypeId))
		if partition.Bootable {
			builder.WriteString(", bootable")
		}
		builder.WriteString("\n")
	}

	return builder.String()
}

func mkfsOptions(partition PartitionSpec) []string {
	switch partition.FsType {
	case "ext2", "ext3", "ext4":
		// Labels like "primary"/"secondary"/"data" let the update client and
		// fstab generators identify the partitions.
		return []string{"-F", "-L", partitionLabel(partition.Role)}
	case "vfat":
		return []string{"-n", strings.ToUpper(partitionLabel(partition.Role))}
	default:
		return nil
	}
}

func partitionLabel(role PartitionRole) string {
	switch role {
	case PartitionRoleBoot:
		return "boot"
	case PartitionRoleRootfsA:
		return "primary"
	case PartitionRoleRootfsB:
		return "secondary"
	case PartitionRoleData:
		return "data"
	default:
		return string(role)
	}
}

// verifyDiskImage re-reads the just-written partition table and asserts it
// matches the plan. A malformed table makes every later mount and staging
// step unsafe, so a mismatch is fatal.
func verifyDiskImage(diskDevPath string, layout *DiskLayout) error {
	partitionTable, err := diskutils.ReadDiskPartitionTable(diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to re-read partition table for verification:\n%w", err)
	}

	return verifyPartitionTable(partitionTable, layout)
}

func verifyPartitionTable(partitionTable *diskutils.PartitionTable, layout *DiskLayout) error {
	if partitionTable == nil {
		return NewConversionError(ErrBuildVerificationFailed,
			"written disk image contains no partition table")
	}

	if len(partitionTable.Partitions) != len(layout.Partitions) {
		return NewConversionError(ErrBuildVerificationFailed,
			fmt.Sprintf("written partition table has %d partitions, plan has %d",
				len(partitionTable.Partitions), len(layout.Partitions)))
	}

	for i, partition := range partitionTable.Partitions {
		planned := layout.Partitions[i]
		if partition.Start != planned.StartSector || partition.Size != planned.SizeSectors {
			return NewConversionError(ErrBuildVerificationFailed,
				fmt.Sprintf("partition %d extent (start=%d, size=%d) does not match plan (start=%d, size=%d)",
					planned.Number, partition.Start, partition.Size, planned.StartSector, planned.SizeSectors))
		}
	}

	return nil
}
