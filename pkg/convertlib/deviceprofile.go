package convertlib

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
)

// PartitionTableType is the kind of partition table written to a converted
// image.
type PartitionTableType string

const (
	PartitionTableTypeDos PartitionTableType = "dos"
	PartitionTableTypeGpt PartitionTableType = "gpt"
)

// BootloaderFamily selects the bootloader integration performed by the
// device's staging script.
type BootloaderFamily string

const (
	BootloaderFamilyUBoot BootloaderFamily = "uboot"
	BootloaderFamilyGrub  BootloaderFamily = "grub"
)

// DeviceProfile is the fixed set of layout and tooling choices associated
// with one target device type. Profiles are immutable; the pipeline only
// reads them.
type DeviceProfile struct {
	Name               string
	PartitionTableType PartitionTableType
	BootloaderFamily   BootloaderFamily

	// Boot partition geometry and semantics. BootPartSizeBytes is zero for
	// profiles without a boot partition.
	HasBootPartition  bool
	BootPartFsType    string
	BootPartTypeId    string
	BootPartBootFlag  bool
	BootPartSizeBytes uint64
	BootMountPoint    string

	RootfsPartTypeId string
	DataPartTypeId   string

	// AlignmentBytes is the alignment unit: every partition start must be a
	// multiple of it. It is also the offset of the first partition.
	AlignmentBytes uint64

	// StorageDevice is the device node the converted image boots from on the
	// target, used when writing the image's fstab.
	StorageDevice string

	// PartitionNameInfix is "p" for mmcblk-style partition naming, empty for
	// sdX-style naming.
	PartitionNameInfix string

	StagingScript string
}

var deviceProfiles = map[string]*DeviceProfile{
	"raspberrypi3": {
		Name:               "raspberrypi3",
		PartitionTableType: PartitionTableTypeDos,
		BootloaderFamily:   BootloaderFamilyUBoot,
		HasBootPartition:   true,
		BootPartFsType:     "vfat",
		BootPartTypeId:     diskutils.Fat32LbaPartitionType,
		BootPartBootFlag:   true,
		BootPartSizeBytes:  40 * diskutils.MiB,
		BootMountPoint:     "/uboot",
		RootfsPartTypeId:   diskutils.LinuxPartitionType,
		DataPartTypeId:     diskutils.LinuxPartitionType,
		AlignmentBytes:     4 * diskutils.MiB,
		StorageDevice:      "/dev/mmcblk0",
		PartitionNameInfix: "p",
		StagingScript:      "raspberrypi3",
	},
	"raspberrypi4": {
		Name:               "raspberrypi4",
		PartitionTableType: PartitionTableTypeDos,
		BootloaderFamily:   BootloaderFamilyUBoot,
		HasBootPartition:   true,
		BootPartFsType:     "vfat",
		BootPartTypeId:     diskutils.Fat32LbaPartitionType,
		BootPartBootFlag:   true,
		BootPartSizeBytes:  40 * diskutils.MiB,
		BootMountPoint:     "/uboot",
		RootfsPartTypeId:   diskutils.LinuxPartitionType,
		DataPartTypeId:     diskutils.LinuxPartitionType,
		AlignmentBytes:     4 * diskutils.MiB,
		StorageDevice:      "/dev/mmcblk0",
		PartitionNameInfix: "p",
		StagingScript:      "raspberrypi4",
	},
	"beaglebone": {
		Name:               "beaglebone",
		PartitionTableType: PartitionTableTypeDos,
		BootloaderFamily:   BootloaderFamilyUBoot,
		HasBootPartition:   true,
		BootPartFsType:     "vfat",
		BootPartTypeId:     diskutils.Fat32LbaPartitionType,
		BootPartBootFlag:   true,
		BootPartSizeBytes:  16 * diskutils.MiB,
		BootMountPoint:     "/uboot",
		RootfsPartTypeId:   diskutils.LinuxPartitionType,
		DataPartTypeId:     diskutils.LinuxPartitionType,
		AlignmentBytes:     8 * diskutils.MiB,
		StorageDevice:      "/dev/mmcblk1",
		PartitionNameInfix: "p",
		StagingScript:      "beaglebone",
	},
	"qemux86-64": {
		Name:               "qemux86-64",
		PartitionTableType: PartitionTableTypeGpt,
		BootloaderFamily:   BootloaderFamilyGrub,
		HasBootPartition:   true,
		BootPartFsType:     "vfat",
		BootPartTypeId:     diskutils.EfiSystemPartitionTypeUuid,
		BootPartBootFlag:   false,
		BootPartSizeBytes:  64 * diskutils.MiB,
		BootMountPoint:     "/boot/efi",
		RootfsPartTypeId:   diskutils.GenericLinuxPartitionTypeUuid,
		DataPartTypeId:     diskutils.GenericLinuxPartitionTypeUuid,
		AlignmentBytes:     8 * diskutils.MiB,
		StorageDevice:      "/dev/sda",
		PartitionNameInfix: "",
		StagingScript:      "qemux86-64",
	},
}

// GetDeviceProfile looks up the profile for a device type name.
func GetDeviceProfile(deviceType string) (*DeviceProfile, error) {
	profile, ok := deviceProfiles[deviceType]
	if !ok {
		return nil, NewConversionError(ErrConfig,
			fmt.Sprintf("unknown device type (%s): supported types are %s",
				deviceType, strings.Join(DeviceTypes(), ", ")))
	}
	return profile, nil
}

// DeviceTypes returns the supported device type names, sorted.
func DeviceTypes() []string {
	names := make([]string, 0, len(deviceProfiles))
	for name := range deviceProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TargetPartitionDevPath returns the partition device node on the target
// device, for fstab entries. Partition numbers start at 1.
func (p *DeviceProfile) TargetPartitionDevPath(partitionNum int) string {
	return fmt.Sprintf("%s%s%d", p.StorageDevice, p.PartitionNameInfix, partitionNum)
}
