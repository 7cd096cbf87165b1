package convertlib

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Descriptor file keys. The file is shell-style KEY=VALUE so the per-device
// staging scripts can source it directly.
const (
	descriptorKeyDeviceType     = "MENDER_DEVICE_TYPE"
	descriptorKeyArtifactName   = "MENDER_ARTIFACT_NAME"
	descriptorKeyBuildId        = "MENDER_CONVERSION_BUILD_ID"
	descriptorKeySectorSize     = "MENDER_SECTOR_SIZE"
	descriptorKeyTotalSizeBytes = "MENDER_IMAGE_TOTAL_SIZE_BYTES"
	descriptorKeyBootStart      = "MENDER_BOOT_PART_START_SECTORS"
	descriptorKeyBootSize       = "MENDER_BOOT_PART_SIZE_SECTORS"
	descriptorKeyRootfsAStart   = "MENDER_ROOTFS_A_PART_START_SECTORS"
	descriptorKeyRootfsBStart   = "MENDER_ROOTFS_B_PART_START_SECTORS"
	descriptorKeyRootfsSize     = "MENDER_ROOTFS_PART_SIZE_SECTORS"
	descriptorKeyDataStart      = "MENDER_DATA_PART_START_SECTORS"
	descriptorKeyDataSize       = "MENDER_DATA_PART_SIZE_SECTORS"
	descriptorKeyBootMount      = "MENDER_BOOT_PART_MOUNT_LOCATION"
)

// BuildDescriptor is the key/value record written beside a built image. It
// caches the layout plan for later operations on the same image; the
// image's own partition table remains ground truth.
type BuildDescriptor struct {
	DeviceType     string
	ArtifactName   string
	BuildId        string
	SectorSize     uint64
	TotalSizeBytes uint64

	// Partition extents in sectors. Boot values are zero for profiles
	// without a boot partition.
	BootPartStart     uint64
	BootPartSize      uint64
	RootfsAPartStart  uint64
	RootfsBPartStart  uint64
	RootfsPartSize    uint64
	DataPartStart     uint64
	DataPartSize      uint64
	BootMountLocation string
}

// DescriptorPath returns the descriptor file path for a disk image.
func DescriptorPath(imagePath string) string {
	return imagePath + ".cfg"
}

// NewBuildDescriptor records a layout plan for a device profile.
func NewBuildDescriptor(profile *DeviceProfile, layout *DiskLayout, artifactName string) *BuildDescriptor {
	descriptor := &BuildDescriptor{
		DeviceType:        profile.Name,
		ArtifactName:      artifactName,
		BuildId:           uuid.New().String(),
		SectorSize:        layout.SectorSize,
		TotalSizeBytes:    layout.TotalSizeBytes,
		BootMountLocation: profile.BootMountPoint,
	}

	if boot, ok := layout.PartitionByRole(PartitionRoleBoot); ok {
		descriptor.BootPartStart = boot.StartSector
		descriptor.BootPartSize = boot.SizeSectors
	}
	if rootfsA, ok := layout.PartitionByRole(PartitionRoleRootfsA); ok {
		descriptor.RootfsAPartStart = rootfsA.StartSector
		descriptor.RootfsPartSize = rootfsA.SizeSectors
	}
	if rootfsB, ok := layout.PartitionByRole(PartitionRoleRootfsB); ok {
		descriptor.RootfsBPartStart = rootfsB.StartSector
	}
	if data, ok := layout.PartitionByRole(PartitionRoleData); ok {
		descriptor.DataPartStart = data.StartSector
		descriptor.DataPartSize = data.SizeSectors
	}

	return descriptor
}

// values returns the descriptor as the key/value map used for both the
// descriptor file and the staging script environment.
func (d *BuildDescriptor) values() map[string]string {
	return map[string]string{
		descriptorKeyDeviceType:     d.DeviceType,
		descriptorKeyArtifactName:   d.ArtifactName,
		descriptorKeyBuildId:        d.BuildId,
		descriptorKeySectorSize:     strconv.FormatUint(d.SectorSize, 10),
		descriptorKeyTotalSizeBytes: strconv.FormatUint(d.TotalSizeBytes, 10),
		descriptorKeyBootStart:      strconv.FormatUint(d.BootPartStart, 10),
		descriptorKeyBootSize:       strconv.FormatUint(d.BootPartSize, 10),
		descriptorKeyRootfsAStart:   strconv.FormatUint(d.RootfsAPartStart, 10),
		descriptorKeyRootfsBStart:   strconv.FormatUint(d.RootfsBPartStart, 10),
		descriptorKeyRootfsSize:     strconv.FormatUint(d.RootfsPartSize, 10),
		descriptorKeyDataStart:      strconv.FormatUint(d.DataPartStart, 10),
		descriptorKeyDataSize:       strconv.FormatUint(d.DataPartSize, 10),
		descriptorKeyBootMount:      d.BootMountLocation,
	}
}

// Write persists the descriptor beside the image.
func (d *BuildDescriptor) Write(path string) error {
	err := godotenv.Write(d.values(), path)
	if err != nil {
		return fmt.Errorf("failed to write build descriptor (%s):\n%w", path, err)
	}
	return nil
}

// EnvironmentVariables returns the descriptor as sorted "KEY=VALUE" strings,
// for passing to the staging scripts.
func (d *BuildDescriptor) EnvironmentVariables() []string {
	values := d.values()

	env := make([]string, 0, len(values))
	for key, value := range values {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	return env
}

// ReadBuildDescriptor loads a descriptor written by a previous build.
func ReadBuildDescriptor(path string) (*BuildDescriptor, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, NewConversionErrorWithCause(ErrConfig,
			fmt.Sprintf("failed to read build descriptor (%s): run the build operation first", path), err)
	}

	descriptor := &BuildDescriptor{
		DeviceType:        values[descriptorKeyDeviceType],
		ArtifactName:      values[descriptorKeyArtifactName],
		BuildId:           values[descriptorKeyBuildId],
		BootMountLocation: values[descriptorKeyBootMount],
	}

	if descriptor.DeviceType == "" {
		return nil, NewConversionError(ErrConfig,
			fmt.Sprintf("build descriptor (%s) is missing %s", path, descriptorKeyDeviceType))
	}

	uintFields := []struct {
		key   string
		field *uint64
	}{
		{descriptorKeySectorSize, &descriptor.SectorSize},
		{descriptorKeyTotalSizeBytes, &descriptor.TotalSizeBytes},
		{descriptorKeyBootStart, &descriptor.BootPartStart},
		{descriptorKeyBootSize, &descriptor.BootPartSize},
		{descriptorKeyRootfsAStart, &descriptor.RootfsAPartStart},
		{descriptorKeyRootfsBStart, &descriptor.RootfsBPartStart},
		{descriptorKeyRootfsSize, &descriptor.RootfsPartSize},
		{descriptorKeyDataStart, &descriptor.DataPartStart},
		{descriptorKeyDataSize, &descriptor.DataPartSize},
	}
	for _, entry := range uintFields {
		value, ok := values[entry.key]
		if !ok {
			return nil, NewConversionError(ErrConfig,
				fmt.Sprintf("build descriptor (%s) is missing %s", path, entry.key))
		}
		*entry.field, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, NewConversionErrorWithCause(ErrConfig,
				fmt.Sprintf("build descriptor (%s) has invalid %s (%s)", path, entry.key, value), err)
		}
	}

	return descriptor, nil
}
