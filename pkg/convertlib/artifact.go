package convertlib

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/file"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/safeloopback"
	"github.com/mendersoftware/mender-conversion-tools/internal/safemount"
	"github.com/mendersoftware/mender-conversion-tools/internal/shell"
)

// RootfsSlot selects one of the two root slots of a converted image.
type RootfsSlot string

const (
	RootfsSlotA RootfsSlot = "a"
	RootfsSlotB RootfsSlot = "b"
)

// ParseRootfsSlot validates a root slot name from the command line.
func ParseRootfsSlot(slot string) (RootfsSlot, error) {
	switch RootfsSlot(slot) {
	case RootfsSlotA, RootfsSlotB:
		return RootfsSlot(slot), nil
	default:
		return "", NewConversionError(ErrConfig,
			fmt.Sprintf("invalid rootfs slot (%s): must be a or b", slot))
	}
}

// WriteArtifactFromImage packages one root slot of a converted image into an
// update artifact. The slot is mounted read-only just long enough to verify
// the device type recorded inside it, then its partition is copied out and
// handed to the packaging tool.
func WriteArtifactFromImage(buildDir string, imagePath string, slot RootfsSlot,
	profile *DeviceProfile, artifactName string, outputPath string,
) error {
	descriptor, err := ReadBuildDescriptor(DescriptorPath(imagePath))
	if err != nil {
		return err
	}

	numbers := descriptorPartitionNumbers(descriptor)
	partitionNum := numbers.rootfsA
	if slot == RootfsSlotB {
		partitionNum = numbers.rootfsB
	}

	imageLoopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind image (%s)", imagePath), err)
	}
	defer imageLoopback.Close()

	err = writeArtifactFromImageHelper(imageLoopback, partitionNum, buildDir, profile,
		artifactName, outputPath)
	if err != nil {
		return err
	}

	return imageLoopback.CleanClose()
}

func writeArtifactFromImageHelper(imageLoopback *safeloopback.Loopback, partitionNum int,
	buildDir string, profile *DeviceProfile, artifactName string, outputPath string,
) error {
	partDevPath := imageLoopback.PartitionDevPath(partitionNum)

	// Device-type verification happens before any intermediate is created.
	err := verifyMountedDeviceType(partDevPath, filepath.Join(buildDir, "artifact-rootfs"),
		profile.Name)
	if err != nil {
		return err
	}

	intermediatePath := filepath.Join(buildDir, "rootfs.ext4")
	err = diskutils.CopyBlocks(partDevPath, intermediatePath)
	if err != nil {
		return fmt.Errorf("failed to copy root slot (%s):\n%w", partDevPath, err)
	}

	err = packageRootfsImage(intermediatePath, profile.Name, artifactName, outputPath)

	// The intermediate is removed on success and on failure.
	removeErr := file.RemoveFileIfExists(intermediatePath)
	if err != nil {
		return err
	}
	if removeErr != nil {
		return removeErr
	}

	return nil
}

// WriteArtifactFromTree packages a finalized root filesystem tree into an
// update artifact, going through an intermediate ext4 image of exactly the
// planned rootfs partition size.
func WriteArtifactFromTree(buildDir string, treeDir string, rootfsPartSizeBytes uint64,
	profile *DeviceProfile, artifactName string, outputPath string,
) error {
	// Device-type verification happens before any intermediate is created.
	err := verifyTreeDeviceType(treeDir, profile.Name)
	if err != nil {
		return err
	}

	intermediatePath := filepath.Join(buildDir, "rootfs.ext4")
	err = buildRootfsImageFromTree(treeDir, rootfsPartSizeBytes, intermediatePath)
	if err == nil {
		err = packageRootfsImage(intermediatePath, profile.Name, artifactName, outputPath)
	}

	// The intermediate is removed on success and on failure.
	removeErr := file.RemoveFileIfExists(intermediatePath)
	if err != nil {
		return err
	}
	if removeErr != nil {
		return removeErr
	}

	return nil
}

// verifyTreeDeviceType checks the device type recorded in a root filesystem
// tree against the requested device type.
func verifyTreeDeviceType(treeDir string, deviceType string) error {
	deviceTypePath := filepath.Join(treeDir, deviceTypeFilePath)

	exists, err := file.PathExists(deviceTypePath)
	if err != nil {
		return fmt.Errorf("failed to check device type file (%s):\n%w", deviceTypePath, err)
	}
	if !exists {
		return NewConversionError(ErrDeviceTypeMismatch,
			fmt.Sprintf("root filesystem does not record a device type (%s missing)", deviceTypePath))
	}

	recorded, err := readDeviceTypeFile(deviceTypePath)
	if err != nil {
		return err
	}

	if recorded != deviceType {
		return NewConversionError(ErrDeviceTypeMismatch,
			fmt.Sprintf("root filesystem records device type (%s), requested (%s)",
				recorded, deviceType))
	}

	return nil
}

func verifyMountedDeviceType(partDevPath string, mountDir string, deviceType string) error {
	rootfsMount, err := safemount.NewMount(partDevPath, mountDir, "ext4", unix.MS_RDONLY, "",
		true /*makeAndDelete*/)
	if err != nil {
		return NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to mount root slot (%s)", partDevPath), err)
	}
	defer rootfsMount.Close()

	err = verifyTreeDeviceType(rootfsMount.Target(), deviceType)
	if err != nil {
		return err
	}

	return rootfsMount.CleanClose()
}

func readDeviceTypeFile(path string) (string, error) {
	lines, err := file.ReadLines(path)
	if err != nil {
		return "", fmt.Errorf("failed to read device type file (%s):\n%w", path, err)
	}

	for _, line := range lines {
		value, found := strings.CutPrefix(strings.TrimSpace(line), "device_type=")
		if found {
			return value, nil
		}
	}

	return "", NewConversionError(ErrDeviceTypeMismatch,
		fmt.Sprintf("device type file (%s) has no device_type entry", path))
}

// buildRootfsImageFromTree creates an ext4 image of the given size populated
// from the tree, and checks it.
func buildRootfsImageFromTree(treeDir string, sizeBytes uint64, imagePath string) error {
	logger.Log.Infof("Building rootfs image (%s), %d bytes", imagePath, sizeBytes)

	err := diskutils.CreateSparseDisk(imagePath, sizeBytes, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create rootfs image (%s):\n%w", imagePath, err)
	}

	err = shell.ExecuteLive(true /*squashErrors*/, "mkfs.ext4", "-F", "-d", treeDir, imagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to populate rootfs image (%s) with mkfs.ext4", imagePath), err)
	}

	err = shell.ExecuteLive(true /*squashErrors*/, "e2fsck", "-fy", imagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to check rootfs image (%s) with e2fsck", imagePath), err)
	}

	return nil
}

// packageRootfsImage hands the rootfs image to the packaging tool. Tool
// failure is surfaced verbatim; there is no retry.
func packageRootfsImage(rootfsImagePath string, deviceType string, artifactName string,
	outputPath string,
) error {
	toolExists, err := file.CommandExists("mender-artifact")
	if err != nil {
		return fmt.Errorf("failed to look up mender-artifact:\n%w", err)
	}
	if !toolExists {
		return NewConversionError(ErrExternalTool, "mender-artifact not found in PATH")
	}

	logger.Log.Infof("Writing artifact (%s), name (%s)", outputPath, artifactName)

	err = shell.ExecuteLive(false /*squashErrors*/, "mender-artifact", "write", "rootfs-image",
		"-t", deviceType,
		"-n", artifactName,
		"-f", rootfsImagePath,
		"-o", outputPath)
	if err != nil {
		return NewConversionErrorWithCause(ErrExternalTool, "mender-artifact failed", err)
	}

	return nil
}
