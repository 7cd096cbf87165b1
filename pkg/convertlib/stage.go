package convertlib

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/file"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/safeloopback"
	"github.com/mendersoftware/mender-conversion-tools/internal/safemount"
	"github.com/mendersoftware/mender-conversion-tools/internal/shell"
	"github.com/mendersoftware/mender-conversion-tools/internal/sliceutils"
)

const (
	deviceTypeFilePath   = "etc/mender/device_type"
	artifactInfoFilePath = "etc/mender/artifact_info"
)

// partitionNumbers are the 1-based partition numbers of a converted image.
// Boot is 0 when the image has no boot partition.
type partitionNumbers struct {
	boot    int
	rootfsA int
	rootfsB int
	data    int
}

func descriptorPartitionNumbers(descriptor *BuildDescriptor) partitionNumbers {
	if descriptor.BootPartSize > 0 {
		return partitionNumbers{boot: 1, rootfsA: 2, rootfsB: 3, data: 4}
	}
	return partitionNumbers{rootfsA: 1, rootfsB: 2, data: 3}
}

// StageImage finalizes a built disk image for its target device: it mounts
// the boot partition (if any) and the first root slot, runs the device's
// staging script against them, writes the identity files and the fstab into
// the root filesystem, and then replicates the first root slot into the
// second so both slots start identical.
//
// The staging script is an external collaborator resolved under scriptsDir
// by the profile's script name. It receives the mounted paths and the build
// descriptor's values in its environment.
func StageImage(buildDir string, imagePath string, scriptsDir string, profile *DeviceProfile) error {
	descriptor, err := ReadBuildDescriptor(DescriptorPath(imagePath))
	if err != nil {
		return err
	}

	if descriptor.DeviceType != profile.Name {
		return NewConversionError(ErrDeviceTypeMismatch,
			fmt.Sprintf("image (%s) was built for device type (%s), not (%s)",
				imagePath, descriptor.DeviceType, profile.Name))
	}

	scriptPath := filepath.Join(scriptsDir, profile.StagingScript)
	scriptExists, err := file.PathExists(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to check staging script (%s):\n%w", scriptPath, err)
	}
	if !scriptExists {
		return NewConversionError(ErrConfig,
			fmt.Sprintf("staging script (%s) for device type (%s) not found", scriptPath, profile.Name))
	}

	logger.Log.Infof("Staging image (%s) for device type (%s)", imagePath, profile.Name)

	imageLoopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind image (%s)", imagePath), err)
	}
	defer imageLoopback.Close()

	numbers := descriptorPartitionNumbers(descriptor)

	err = stageImageHelper(imageLoopback, profile, descriptor, numbers, scriptPath, buildDir)
	if err != nil {
		return err
	}

	err = replicateRootfs(imageLoopback, numbers)
	if err != nil {
		return err
	}

	err = checkStagedFilesystems(imageLoopback)
	if err != nil {
		return err
	}

	return imageLoopback.CleanClose()
}

func stageImageHelper(imageLoopback *safeloopback.Loopback, profile *DeviceProfile,
	descriptor *BuildDescriptor, numbers partitionNumbers, scriptPath string, buildDir string,
) error {
	rootfsMount, err := safemount.NewMount(imageLoopback.PartitionDevPath(numbers.rootfsA),
		filepath.Join(buildDir, "rootfs"), "ext4", 0, "", true /*makeAndDelete*/)
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed, "failed to mount root slot", err)
	}
	defer rootfsMount.Close()

	var bootMount *safemount.Mount
	if numbers.boot != 0 {
		bootMount, err = safemount.NewMount(imageLoopback.PartitionDevPath(numbers.boot),
			filepath.Join(buildDir, "boot"), profile.BootPartFsType, 0, "", true /*makeAndDelete*/)
		if err != nil {
			return NewConversionErrorWithCause(ErrStagingFailed, "failed to mount boot partition", err)
		}
		defer bootMount.Close()
	}

	bootDir := ""
	if bootMount != nil {
		bootDir = bootMount.Target()
	}

	err = runStagingScript(scriptPath, descriptor, rootfsMount.Target(), bootDir)
	if err != nil {
		return err
	}

	err = writeIdentityFiles(rootfsMount.Target(), descriptor)
	if err != nil {
		return err
	}

	err = createMountPointDirs(rootfsMount.Target(), profile)
	if err != nil {
		return err
	}

	err = writeTargetFstab(rootfsMount.Target(), profile, numbers)
	if err != nil {
		return err
	}

	// Unmount before the block-level replication below.
	if bootMount != nil {
		err = bootMount.CleanClose()
		if err != nil {
			return err
		}
	}
	return rootfsMount.CleanClose()
}

// runStagingScript invokes the per-device script that installs the
// bootloader integration. The script sees the mounted trees and the build
// descriptor in its environment.
func runStagingScript(scriptPath string, descriptor *BuildDescriptor, rootfsDir string,
	bootDir string,
) error {
	logger.Log.Infof("Running staging script (%s)", scriptPath)

	env := append(descriptor.EnvironmentVariables(),
		"MENDER_ROOTFS_DIR="+rootfsDir,
		"MENDER_BOOT_DIR="+bootDir)

	err := shell.NewExecBuilder(scriptPath).
		EnvironmentVariables(env).
		LogLevel(logrus.DebugLevel, logrus.WarnLevel).
		Execute()
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed,
			fmt.Sprintf("staging script (%s) failed", scriptPath), err)
	}

	return nil
}

// writeIdentityFiles records the device type and artifact name inside the
// root filesystem, where the update client and the packaging step read them.
func writeIdentityFiles(rootfsDir string, descriptor *BuildDescriptor) error {
	deviceTypePath := filepath.Join(rootfsDir, deviceTypeFilePath)

	err := os.MkdirAll(filepath.Dir(deviceTypePath), 0o755)
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed, "failed to create identity directory", err)
	}

	err = file.Write(fmt.Sprintf("device_type=%s\n", descriptor.DeviceType), deviceTypePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed, "failed to write device type file", err)
	}

	err = file.Write(fmt.Sprintf("artifact_name=%s\n", descriptor.ArtifactName),
		filepath.Join(rootfsDir, artifactInfoFilePath))
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed, "failed to write artifact info file", err)
	}

	return nil
}

func createMountPointDirs(rootfsDir string, profile *DeviceProfile) error {
	mountPoints := []string{"data"}
	if profile.HasBootPartition {
		mountPoints = append(mountPoints, profile.BootMountPoint)
	}

	for _, mountPoint := range mountPoints {
		dir := filepath.Join(rootfsDir, mountPoint)
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return NewConversionErrorWithCause(ErrStagingFailed,
				fmt.Sprintf("failed to create mount point (%s)", dir), err)
		}
	}

	return nil
}

func writeTargetFstab(rootfsDir string, profile *DeviceProfile, numbers partitionNumbers) error {
	entries := []diskutils.FstabEntry(nil)

	if numbers.boot != 0 {
		entries = append(entries, diskutils.FstabEntry{
			Source:  profile.TargetPartitionDevPath(numbers.boot),
			Target:  profile.BootMountPoint,
			FsType:  profile.BootPartFsType,
			Options: "defaults,sync",
			Pass:    2,
		})
	}

	entries = append(entries,
		diskutils.FstabEntry{
			Source:  profile.TargetPartitionDevPath(numbers.rootfsA),
			Target:  "/",
			FsType:  "ext4",
			Options: "defaults",
			Dump:    1,
			Pass:    1,
		},
		diskutils.FstabEntry{
			Source:  profile.TargetPartitionDevPath(numbers.data),
			Target:  "/data",
			FsType:  "ext4",
			Options: "defaults",
			Pass:    2,
		})

	err := diskutils.WriteFstabFile(entries, filepath.Join(rootfsDir, "etc/fstab"))
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed, "failed to write fstab", err)
	}
	return nil
}

// replicateRootfs block-copies the staged first root slot onto the second,
// so an update client can fall back to either slot.
func replicateRootfs(imageLoopback *safeloopback.Loopback, numbers partitionNumbers) error {
	source := imageLoopback.PartitionDevPath(numbers.rootfsA)
	target := imageLoopback.PartitionDevPath(numbers.rootfsB)

	logger.Log.Infof("Replicating root slot (%s) to (%s)", source, target)

	err := diskutils.CopyBlocks(source, target)
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed, "failed to replicate root slot", err)
	}
	return nil
}

// checkStagedFilesystems runs a read-only filesystem check on every
// partition of the staged image, reporting all failures together. The
// partitions and their filesystem types come from the kernel's view of the
// disk.
func checkStagedFilesystems(imageLoopback *safeloopback.Loopback) error {
	partitions, err := diskutils.GetDiskPartitions(imageLoopback.DevicePath())
	if err != nil {
		return err
	}

	var checkErrors *multierror.Error
	for _, partition := range partitionsToCheck(partitions) {
		command := filesystemCheckCommand(partition.FileSystemType)
		if command == nil {
			checkErrors = multierror.Append(checkErrors,
				fmt.Errorf("no filesystem check for type (%s) on (%s)",
					partition.FileSystemType, partition.Path))
			continue
		}

		err := shell.ExecuteLive(true /*squashErrors*/, command[0],
			append(command[1:], partition.Path)...)
		if err != nil {
			checkErrors = multierror.Append(checkErrors,
				fmt.Errorf("filesystem check failed on (%s):\n%w", partition.Path, err))
		}
	}

	err = checkErrors.ErrorOrNil()
	if err != nil {
		return NewConversionErrorWithCause(ErrStagingFailed,
			"staged image failed filesystem checks", err)
	}

	return nil
}

func partitionsToCheck(partitions []diskutils.PartitionInfo) []diskutils.PartitionInfo {
	return sliceutils.FindMatches(partitions, func(partition diskutils.PartitionInfo) bool {
		return partition.Type == "part"
	})
}

// filesystemCheckCommand returns the read-only check command for a
// filesystem type, or nil if there is none.
func filesystemCheckCommand(fsType string) []string {
	switch fsType {
	case "ext2", "ext3", "ext4":
		return []string{"e2fsck", "-fn"}
	case "vfat":
		return []string{"fsck.vfat", "-n"}
	default:
		return nil
	}
}
