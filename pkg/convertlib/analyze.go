package convertlib

import (
	"fmt"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/safeloopback"
)

// SourcePartition is one partition discovered in a source image.
type SourcePartition struct {
	Number      int // partition number, starting at 1
	StartSector uint64
	SizeSectors uint64
	FsType      string
	Bootable    bool
}

// ImageAnalysis is the result of inspecting a source image's partition
// table. Only one-partition (rootfs only) and two-partition (boot + rootfs)
// sources are supported; the conversion has no defined geometry for
// anything else.
type ImageAnalysis struct {
	ImagePath  string
	TableType  string
	SectorSize uint64
	Partitions []SourcePartition
}

func (a *ImageAnalysis) PartitionCount() int {
	return len(a.Partitions)
}

// RootfsPartition returns the partition holding the root filesystem: the
// only partition of a one-partition source, the second of a boot + rootfs
// source.
func (a *ImageAnalysis) RootfsPartition() SourcePartition {
	return a.Partitions[len(a.Partitions)-1]
}

// AnalyzeRawImage inspects the source image's partition table.
func AnalyzeRawImage(imagePath string) (*ImageAnalysis, error) {
	logger.Log.Infof("Analyzing source image (%s)", imagePath)

	imageLoopback, err := safeloopback.NewLoopback(imagePath)
	if err != nil {
		return nil, NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind source image (%s)", imagePath), err)
	}
	defer imageLoopback.Close()

	partitionTable, err := diskutils.ReadDiskPartitionTable(imageLoopback.DevicePath())
	if err != nil {
		return nil, err
	}

	analysis, err := analysisFromPartitionTable(imagePath, partitionTable)
	if err != nil {
		return nil, err
	}

	err = imageLoopback.CleanClose()
	if err != nil {
		return nil, err
	}

	logger.Log.Debugf("Source image has %d partition(s), sector size %d",
		analysis.PartitionCount(), analysis.SectorSize)

	return analysis, nil
}

func analysisFromPartitionTable(imagePath string, partitionTable *diskutils.PartitionTable,
) (*ImageAnalysis, error) {
	if partitionTable == nil {
		return nil, NewConversionError(ErrUnsupportedLayout,
			fmt.Sprintf("source image (%s) does not contain a partition table", imagePath))
	}

	count := len(partitionTable.Partitions)
	if count != 1 && count != 2 {
		return nil, NewConversionError(ErrUnsupportedLayout,
			fmt.Sprintf("source image (%s) has %d partitions: only 1 (rootfs) or 2 (boot + rootfs) are supported",
				imagePath, count))
	}

	// Every later size computation divides by the sector size.
	if partitionTable.SectorSize == 0 {
		return nil, NewConversionError(ErrUnsupportedLayout,
			fmt.Sprintf("source image (%s) partition table does not report a sector size", imagePath))
	}

	analysis := &ImageAnalysis{
		ImagePath:  imagePath,
		TableType:  partitionTable.Label,
		SectorSize: partitionTable.SectorSize,
	}

	for i, partition := range partitionTable.Partitions {
		analysis.Partitions = append(analysis.Partitions, SourcePartition{
			Number:      i + 1,
			StartSector: partition.Start,
			SizeSectors: partition.Size,
			FsType:      partition.FileSystemType,
			Bootable:    partition.Bootable,
		})
	}

	return analysis, nil
}
