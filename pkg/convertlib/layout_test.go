package convertlib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp(0, 8))
	assert.Equal(t, uint64(8), AlignUp(1, 8))
	assert.Equal(t, uint64(8), AlignUp(8, 8))
	assert.Equal(t, uint64(16), AlignUp(9, 8))
	assert.Equal(t, uint64(8192), AlignUp(8191, 8192))
}

func TestAlignUpIdempotent(t *testing.T) {
	for _, value := range []uint64{0, 1, 511, 512, 8191, 8192, 300000} {
		aligned := AlignUp(value, 8192)
		assert.Equal(t, aligned, AlignUp(aligned, 8192))
		assert.Zero(t, aligned%8192)
		assert.GreaterOrEqual(t, aligned, value)
	}
}

func TestPlanDiskLayoutRaspberryPi3(t *testing.T) {
	profile, err := GetDeviceProfile("raspberrypi3")
	assert.NoError(t, err)

	layout, err := PlanDiskLayout(profile, 300000, 128, 512)
	assert.NoError(t, err)

	// 4 MiB alignment at 512-byte sectors.
	assert.Equal(t, uint64(8192), layout.AlignmentSectors)
	assert.Len(t, layout.Partitions, 4)

	boot, ok := layout.PartitionByRole(PartitionRoleBoot)
	assert.True(t, ok)
	assert.Equal(t, 1, boot.Number)
	assert.Equal(t, uint64(8192), boot.StartSector)
	assert.Equal(t, uint64(40*diskutils.MiB/512), boot.SizeSectors)
	assert.True(t, boot.Bootable)
	assert.Equal(t, "vfat", boot.FsType)

	rootfsA, ok := layout.PartitionByRole(PartitionRoleRootfsA)
	assert.True(t, ok)
	rootfsB, ok := layout.PartitionByRole(PartitionRoleRootfsB)
	assert.True(t, ok)

	// Both root slots have the same, aligned size that holds the source
	// rootfs.
	assert.Equal(t, rootfsA.SizeSectors, rootfsB.SizeSectors)
	assert.GreaterOrEqual(t, rootfsA.SizeSectors, uint64(300000))
	assert.Zero(t, rootfsA.SizeSectors%layout.AlignmentSectors)
	assert.Equal(t, "ext4", rootfsA.FsType)

	data, ok := layout.PartitionByRole(PartitionRoleData)
	assert.True(t, ok)
	assert.Equal(t, uint64(128*diskutils.MiB/512), data.SizeSectors)

	assertLayoutWellFormed(t, layout)

	// dos tables have no trailing overhead; the image ends at the data
	// partition's end.
	assert.Equal(t, (data.EndSector()+1)*512, layout.TotalSizeBytes)
}

func TestPlanDiskLayoutDataPartitionSize(t *testing.T) {
	profile, err := GetDeviceProfile("raspberrypi3")
	assert.NoError(t, err)

	layout, err := PlanDiskLayout(profile, 300000, 64, 512)
	assert.NoError(t, err)

	data, ok := layout.PartitionByRole(PartitionRoleData)
	assert.True(t, ok)
	assert.Equal(t, AlignUp(64*diskutils.MiB/512, layout.AlignmentSectors), data.SizeSectors)
}

func TestPlanDiskLayoutGpt(t *testing.T) {
	profile, err := GetDeviceProfile("qemux86-64")
	assert.NoError(t, err)

	layout, err := PlanDiskLayout(profile, 500000, 128, 512)
	assert.NoError(t, err)

	assertLayoutWellFormed(t, layout)

	boot, ok := layout.PartitionByRole(PartitionRoleBoot)
	assert.True(t, ok)
	assert.Equal(t, diskutils.EfiSystemPartitionTypeUuid, boot.TypeId)
	assert.False(t, boot.Bootable)

	// gpt images reserve room for the secondary table after the last
	// partition.
	data, ok := layout.PartitionByRole(PartitionRoleData)
	assert.True(t, ok)
	assert.Greater(t, layout.TotalSizeBytes, (data.EndSector()+1)*512)
}

func TestPlanDiskLayoutDeterministic(t *testing.T) {
	profile, err := GetDeviceProfile("beaglebone")
	assert.NoError(t, err)

	first, err := PlanDiskLayout(profile, 123456, 128, 512)
	assert.NoError(t, err)
	second, err := PlanDiskLayout(profile, 123456, 128, 512)
	assert.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPlanDiskLayoutInvalidSizes(t *testing.T) {
	profile, err := GetDeviceProfile("raspberrypi3")
	assert.NoError(t, err)

	_, err = PlanDiskLayout(profile, 300000, 128, 0)
	assert.True(t, errors.Is(err, ErrInvalidSize))

	_, err = PlanDiskLayout(profile, 0, 128, 512)
	assert.True(t, errors.Is(err, ErrInvalidSize))

	_, err = PlanDiskLayout(profile, 300000, 0, 512)
	assert.True(t, errors.Is(err, ErrInvalidSize))
}

func TestPlanDiskLayoutAlignmentNotMultipleOfSectorSize(t *testing.T) {
	profile := &DeviceProfile{
		Name:               "test",
		PartitionTableType: PartitionTableTypeDos,
		RootfsPartTypeId:   diskutils.LinuxPartitionType,
		DataPartTypeId:     diskutils.LinuxPartitionType,
		AlignmentBytes:     1000,
	}

	_, err := PlanDiskLayout(profile, 300000, 128, 512)
	assert.True(t, errors.Is(err, ErrInvalidSize))
}

func assertLayoutWellFormed(t *testing.T, layout *DiskLayout) {
	totalPartitionSectors := uint64(0)

	for i, partition := range layout.Partitions {
		assert.Equal(t, i+1, partition.Number)
		assert.Zero(t, partition.StartSector%layout.AlignmentSectors,
			"partition %d start is not aligned", partition.Number)

		if i > 0 {
			previous := layout.Partitions[i-1]
			assert.Greater(t, partition.StartSector, previous.EndSector(),
				"partition %d overlaps partition %d", partition.Number, previous.Number)
		}

		totalPartitionSectors += partition.SizeSectors
	}

	assert.GreaterOrEqual(t, layout.TotalSizeBytes, totalPartitionSectors*layout.SectorSize)
}
