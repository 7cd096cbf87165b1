package convertlib

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/safeloopback"
	"github.com/mendersoftware/mender-conversion-tools/internal/shell"
	"github.com/mendersoftware/mender-conversion-tools/internal/sliceutils"
)

const (
	// shrinkAlignmentBytes is the boundary the shrunk rootfs size is rounded
	// up to, so the later layout plan never has to grow it again.
	shrinkAlignmentBytes = 1 * diskutils.MiB
)

// Example resize2fs output first line:
// "Resizing the filesystem on /dev/loop44p2 to 21015 (4k) blocks."
var resize2fsSizeRegex = regexp.MustCompile(`.*to (\d+) \((\d+)([a-zA-Z])\)`)

// ShrinkRootfs reduces the source image's root filesystem to the smallest
// aligned size that holds its data, rewrites the partition table with the
// new extent, and truncates the image file. Returns the new rootfs size in
// sectors.
//
// The operation is not idempotent across partial failure: a failed run may
// leave the filesystem shrunk but the image not yet truncated. A non-zero
// result means "state unknown, re-inspect before retrying".
func ShrinkRootfs(imagePath string) (uint64, error) {
	analysis, err := AnalyzeRawImage(imagePath)
	if err != nil {
		return 0, err
	}

	rootfs := analysis.RootfsPartition()

	if !supportedShrinkFsType(rootfs.FsType) {
		return 0, NewConversionError(ErrUnsupportedLayout,
			fmt.Sprintf("cannot shrink rootfs partition (%s): unsupported filesystem type (%s)",
				imagePath, rootfs.FsType))
	}

	logger.Log.Infof("Shrinking rootfs partition %d of (%s)", rootfs.Number, imagePath)

	imageLoopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return 0, NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind source image (%s)", imagePath), err)
	}
	defer imageLoopback.Close()

	newSizeSectors, err := shrinkRootfsHelper(imageLoopback, analysis, rootfs)
	if err != nil {
		return 0, err
	}

	err = imageLoopback.CleanClose()
	if err != nil {
		return 0, err
	}

	if newSizeSectors == rootfs.SizeSectors {
		// Nothing was resized, so the image file is left as-is.
		return newSizeSectors, nil
	}

	// Cut the image file down to the new end of the rootfs partition.
	newImageSizeBytes := (rootfs.StartSector + newSizeSectors) * analysis.SectorSize
	err = diskutils.TruncateDisk(imagePath, newImageSizeBytes)
	if err != nil {
		return 0, fmt.Errorf("filesystem was shrunk but the image was not truncated, state unknown:\n%w", err)
	}

	logger.Log.Infof("Shrunk rootfs to %d sectors, image now %d bytes", newSizeSectors, newImageSizeBytes)

	return newSizeSectors, nil
}

func shrinkRootfsHelper(imageLoopback *safeloopback.Loopback, analysis *ImageAnalysis,
	rootfs SourcePartition,
) (uint64, error) {
	imageLoopDevice := imageLoopback.DevicePath()
	partitionLoopDevice := imageLoopback.PartitionDevPath(rootfs.Number)

	// Check the filesystem with e2fsck before touching it.
	err := shell.ExecuteLive(true /*squashErrors*/, "e2fsck", "-fy", partitionLoopDevice)
	if err != nil {
		return 0, NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to check (%s) with e2fsck", partitionLoopDevice), err)
	}

	// Shrink the filesystem to its minimum size.
	stdout, stderr, err := shell.Execute("flock", "--timeout", "5", imageLoopDevice,
		"resize2fs", "-M", partitionLoopDevice)
	if err != nil {
		return 0, NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to resize (%s) with resize2fs:\n%v", partitionLoopDevice, stderr), err)
	}

	minSizeSectors, err := filesystemSizeInSectors(stdout, stderr, analysis.SectorSize)
	if err != nil {
		return 0, fmt.Errorf("failed to parse new filesystem size:\n%w", err)
	}

	if minSizeSectors < 0 {
		// The filesystem was already at its minimum size.
		logger.Log.Infof("Filesystem is already at its min size (%s)", partitionLoopDevice)
		return rootfs.SizeSectors, nil
	}

	alignmentSectors := shrinkAlignmentBytes / analysis.SectorSize
	newSizeSectors := AlignUp(uint64(minSizeSectors), alignmentSectors)

	if newSizeSectors >= rootfs.SizeSectors {
		// No room gained; leave the partition alone.
		logger.Log.Infof("Rootfs partition (%s) is already at its min aligned size", partitionLoopDevice)
		return rootfs.SizeSectors, nil
	}

	// Grow the filesystem from its minimum back up to the aligned size, so
	// the filesystem exactly fills the new partition extent. resize2fs's 's'
	// unit is 512-byte sectors.
	resizeUnits := newSizeSectors * analysis.SectorSize / 512
	err = shell.ExecuteLive(true /*squashErrors*/, "resize2fs", partitionLoopDevice,
		fmt.Sprintf("%ds", resizeUnits))
	if err != nil {
		return 0, NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to resize (%s) to its aligned size, state unknown", partitionLoopDevice), err)
	}

	// Re-check after resizing.
	err = shell.ExecuteLive(true /*squashErrors*/, "e2fsck", "-fy", partitionLoopDevice)
	if err != nil {
		return 0, NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to re-check (%s) after resize, state unknown", partitionLoopDevice), err)
	}

	// Rewrite the rootfs partition's table entry with the new size.
	sfdiskScript := fmt.Sprintf("unit: sectors\nsize=%d", newSizeSectors)
	_, stderr, err = shell.ExecuteWithStdin(sfdiskScript, "flock", "--timeout", "5", imageLoopDevice,
		"sfdisk", "--lock=no", "-N", strconv.Itoa(rootfs.Number), imageLoopDevice)
	if err != nil {
		return 0, NewConversionErrorWithCause(ErrExternalTool,
			fmt.Sprintf("failed to resize partition %d with sfdisk, state unknown:\n%v",
				rootfs.Number, stderr), err)
	}

	// Changes to the partition table cause all of the disk's partition /dev
	// nodes to be deleted and then recreated. Wait for that to finish.
	err = diskutils.WaitForDiskDevice(imageLoopDevice)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for disk (%s) to update:\n%w", imageLoopDevice, err)
	}

	return newSizeSectors, nil
}

// filesystemSizeInSectors parses resize2fs's output and returns the new
// filesystem size in sectors, or -1 if the resize was a no-op.
func filesystemSizeInSectors(resize2fsStdout string, resize2fsStderr string, sectorSize uint64,
) (int64, error) {
	const resize2fsNopMessage = "Nothing to do!"
	if strings.Contains(resize2fsStderr, resize2fsNopMessage) {
		return -1, nil
	}

	match := resize2fsSizeRegex.FindStringSubmatch(resize2fsStdout)
	if match == nil {
		return 0, fmt.Errorf("failed to parse output of resize2fs:\nstdout:\n%s\nstderr:\n%s",
			resize2fsStdout, resize2fsStderr)
	}

	blockCount, err := strconv.ParseUint(match[1], 10, 64) // Example: 21015
	if err != nil {
		return 0, fmt.Errorf("failed to parse block count (%s):\n%w", match[1], err)
	}
	multiplier, err := strconv.ParseUint(match[2], 10, 64) // Example: 4
	if err != nil {
		return 0, fmt.Errorf("failed to parse multiplier for block size (%s):\n%w", match[2], err)
	}
	unit := match[3] // Example: 'k'

	var blockSize uint64
	switch unit {
	case "k":
		blockSize = multiplier * diskutils.KiB
	default:
		return 0, fmt.Errorf("unrecognized block size unit (%s)", unit)
	}

	filesystemSizeInBytes := blockCount * blockSize

	sizeInSectors := filesystemSizeInBytes / sectorSize
	if filesystemSizeInBytes%sectorSize != 0 {
		sizeInSectors++
	}

	return int64(sizeInSectors), nil
}

// Only ext filesystems can be shrunk in place.
var shrinkableFsTypes = []string{"ext2", "ext3", "ext4"}

func supportedShrinkFsType(fstype string) bool {
	return sliceutils.ContainsValue(shrinkableFsTypes, fstype)
}
