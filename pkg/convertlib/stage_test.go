package convertlib

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
)

func TestDescriptorPartitionNumbers(t *testing.T) {
	withBoot := descriptorPartitionNumbers(&BuildDescriptor{BootPartSize: 81920})
	assert.Equal(t, partitionNumbers{boot: 1, rootfsA: 2, rootfsB: 3, data: 4}, withBoot)

	withoutBoot := descriptorPartitionNumbers(&BuildDescriptor{})
	assert.Equal(t, partitionNumbers{boot: 0, rootfsA: 1, rootfsB: 2, data: 3}, withoutBoot)
}

func TestWriteTargetFstab(t *testing.T) {
	profile, err := GetDeviceProfile("raspberrypi3")
	assert.NoError(t, err)

	rootfsDir := t.TempDir()
	err = os.MkdirAll(filepath.Join(rootfsDir, "etc"), 0o755)
	assert.NoError(t, err)

	numbers := partitionNumbers{boot: 1, rootfsA: 2, rootfsB: 3, data: 4}
	err = writeTargetFstab(rootfsDir, profile, numbers)
	assert.NoError(t, err)

	entries, err := diskutils.ReadFstabFile(filepath.Join(rootfsDir, "etc/fstab"))
	assert.NoError(t, err)
	assert.Len(t, entries, 3)

	assert.Equal(t, "/dev/mmcblk0p1", entries[0].Source)
	assert.Equal(t, "/uboot", entries[0].Target)
	assert.Equal(t, "vfat", entries[0].FsType)

	assert.Equal(t, "/dev/mmcblk0p2", entries[1].Source)
	assert.Equal(t, "/", entries[1].Target)
	assert.Equal(t, 1, entries[1].Pass)

	assert.Equal(t, "/dev/mmcblk0p4", entries[2].Source)
	assert.Equal(t, "/data", entries[2].Target)
}

func TestWriteTargetFstabWithoutBoot(t *testing.T) {
	profile := &DeviceProfile{
		Name:          "test",
		StorageDevice: "/dev/sda",
	}

	rootfsDir := t.TempDir()
	err := os.MkdirAll(filepath.Join(rootfsDir, "etc"), 0o755)
	assert.NoError(t, err)

	numbers := partitionNumbers{rootfsA: 1, rootfsB: 2, data: 3}
	err = writeTargetFstab(rootfsDir, profile, numbers)
	assert.NoError(t, err)

	entries, err := diskutils.ReadFstabFile(filepath.Join(rootfsDir, "etc/fstab"))
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, "/", entries[0].Target)
	assert.Equal(t, "/data", entries[1].Target)
}

func TestWriteIdentityFiles(t *testing.T) {
	rootfsDir := t.TempDir()
	descriptor := &BuildDescriptor{
		DeviceType:   "raspberrypi3",
		ArtifactName: "release-1",
	}

	err := writeIdentityFiles(rootfsDir, descriptor)
	assert.NoError(t, err)

	deviceType, err := readDeviceTypeFile(filepath.Join(rootfsDir, deviceTypeFilePath))
	assert.NoError(t, err)
	assert.Equal(t, "raspberrypi3", deviceType)

	err = verifyTreeDeviceType(rootfsDir, "raspberrypi3")
	assert.NoError(t, err)
}

func TestFilesystemCheckCommand(t *testing.T) {
	assert.Equal(t, []string{"e2fsck", "-fn"}, filesystemCheckCommand("ext4"))
	assert.Equal(t, []string{"e2fsck", "-fn"}, filesystemCheckCommand("ext2"))
	assert.Equal(t, []string{"fsck.vfat", "-n"}, filesystemCheckCommand("vfat"))
	assert.Nil(t, filesystemCheckCommand("btrfs"))
	assert.Nil(t, filesystemCheckCommand(""))
}

func TestPartitionsToCheck(t *testing.T) {
	partitions := []diskutils.PartitionInfo{
		{Name: "loop0", Path: "/dev/loop0", Type: "loop"},
		{Name: "loop0p1", Path: "/dev/loop0p1", Type: "part", FileSystemType: "vfat"},
		{Name: "loop0p2", Path: "/dev/loop0p2", Type: "part", FileSystemType: "ext4"},
	}

	toCheck := partitionsToCheck(partitions)
	assert.Len(t, toCheck, 2)
	assert.Equal(t, "/dev/loop0p1", toCheck[0].Path)
	assert.Equal(t, "/dev/loop0p2", toCheck[1].Path)
}

func TestCreateMountPointDirs(t *testing.T) {
	profile, err := GetDeviceProfile("qemux86-64")
	assert.NoError(t, err)

	rootfsDir := t.TempDir()
	err = createMountPointDirs(rootfsDir, profile)
	assert.NoError(t, err)

	for _, dir := range []string{"data", "boot/efi"} {
		info, err := os.Stat(filepath.Join(rootfsDir, dir))
		assert.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
