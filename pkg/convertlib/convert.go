package convertlib

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/pgzip"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/file"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/safeloopback"
)

// ConvertOptions are the caller-supplied knobs of a full image conversion.
type ConvertOptions struct {
	DataPartSizeMB uint64
	ArtifactName   string
	Compress       bool
}

// BuildConvertedImage converts a raw source image into a dual-rootfs image:
// it analyzes the source, plans the new layout around the source's root
// filesystem, builds and verifies the new image, copies the source root
// filesystem into the first root slot, and writes the build descriptor
// beside the image. With Compress set it additionally writes a gzipped copy
// of the image.
//
// The source image is only read. Run ShrinkRootfs on it first to keep the
// converted image small.
func BuildConvertedImage(sourceImagePath string, outputImagePath string, profile *DeviceProfile,
	options ConvertOptions,
) (*BuildDescriptor, error) {
	analysis, err := AnalyzeRawImage(sourceImagePath)
	if err != nil {
		return nil, err
	}

	sourceRootfs := analysis.RootfsPartition()

	layout, err := PlanDiskLayout(profile, sourceRootfs.SizeSectors, options.DataPartSizeMB,
		analysis.SectorSize)
	if err != nil {
		return nil, err
	}

	err = BuildDiskImage(outputImagePath, profile, layout)
	if err != nil {
		return nil, err
	}

	err = populateRootfsSlot(sourceImagePath, sourceRootfs, outputImagePath, layout)
	if err != nil {
		return nil, err
	}

	descriptor := NewBuildDescriptor(profile, layout, options.ArtifactName)
	err = descriptor.Write(DescriptorPath(outputImagePath))
	if err != nil {
		return nil, err
	}

	if options.Compress {
		err = CompressImage(outputImagePath, outputImagePath+".gz")
		if err != nil {
			return nil, err
		}
	}

	return descriptor, nil
}

// populateRootfsSlot block-copies the source image's root filesystem into
// the converted image's first root slot. The slot was planned with the same
// size as the source partition, so the copy is exact.
func populateRootfsSlot(sourceImagePath string, sourceRootfs SourcePartition,
	outputImagePath string, layout *DiskLayout,
) error {
	rootfsA, ok := layout.PartitionByRole(PartitionRoleRootfsA)
	if !ok {
		return NewConversionError(ErrBuildVerificationFailed, "layout has no first root slot")
	}

	sourceLoopback, err := safeloopback.NewLoopback(sourceImagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind source image (%s)", sourceImagePath), err)
	}
	defer sourceLoopback.Close()

	outputLoopback, err := safeloopback.NewLoopback(outputImagePath)
	if err != nil {
		return NewConversionErrorWithCause(ErrMappingFailed,
			fmt.Sprintf("failed to bind converted image (%s)", outputImagePath), err)
	}
	defer outputLoopback.Close()

	sourceDevPath := sourceLoopback.PartitionDevPath(sourceRootfs.Number)
	targetDevPath := outputLoopback.PartitionDevPath(rootfsA.Number)

	logger.Log.Infof("Copying source rootfs (%s) into (%s)", sourceDevPath, targetDevPath)

	err = diskutils.CopyBlocks(sourceDevPath, targetDevPath)
	if err != nil {
		return fmt.Errorf("failed to copy source rootfs into root slot:\n%w", err)
	}

	err = outputLoopback.CleanClose()
	if err != nil {
		return err
	}
	return sourceLoopback.CleanClose()
}

// CompressImage writes a gzipped copy of the image. The uncompressed image
// is kept. The output only appears at its final path once it is fully
// written.
func CompressImage(imagePath string, outputPath string) error {
	logger.Log.Infof("Compressing (%s) to (%s)", imagePath, outputPath)

	tempPath := outputPath + ".tmp"
	err := compressFile(imagePath, tempPath)
	if err != nil {
		removeErr := file.RemoveFileIfExists(tempPath)
		if removeErr != nil {
			logger.Log.Warnf("Failed to remove partial compressed image (%s): %v", tempPath, removeErr)
		}
		return err
	}

	return file.Move(tempPath, outputPath)
}

func compressFile(imagePath string, outputPath string) error {
	source, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open image (%s):\n%w", imagePath, err)
	}
	defer source.Close()

	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create compressed image (%s):\n%w", outputPath, err)
	}
	defer output.Close()

	writer := pgzip.NewWriter(output)

	_, err = io.Copy(writer, source)
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to compress image (%s):\n%w", imagePath, err)
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("failed to finish compressed image (%s):\n%w", outputPath, err)
	}

	return output.Close()
}
