// mender-convert converts raw embedded Linux disk images into dual-rootfs,
// update-capable disk images, and packages root filesystems into update
// artifacts.
package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/mendersoftware/mender-conversion-tools/internal/exe"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/pkg/convertlib"
)

var (
	app = kingpin.New("mender-convert",
		"Converts raw disk images into dual-rootfs update-capable images.")

	logFlags = exe.SetupLogFlags(app)

	buildDir = app.Flag("build-dir",
		"Directory used for temporary build files and mount points.").
		Default("work").String()

	shrinkCmd   = app.Command("shrink", "Shrink a source image's root filesystem to its minimum aligned size.")
	shrinkImage = shrinkCmd.Flag("image", "Path of the raw source image.").Required().String()

	buildCmd        = app.Command("build", "Build a dual-rootfs image from a raw source image.")
	buildImage      = buildCmd.Flag("image", "Path of the raw source image.").Required().String()
	buildDeviceType = buildCmd.Flag("device-type", deviceTypeHelp()).Required().String()
	buildDataSizeMB = buildCmd.Flag("data-part-size-mb", "Size of the data partition in MB.").
			Default("128").Uint64()
	buildArtifactName = buildCmd.Flag("artifact-name", "Artifact name recorded in the build descriptor.").
				Default("unknown").String()
	buildOutput   = buildCmd.Flag("output", "Path of the converted image to write.").Required().String()
	buildCompress = buildCmd.Flag("compress", "Also write a gzipped copy of the converted image.").Bool()

	stageCmd        = app.Command("stage", "Run the device staging script on a built image and replicate the root slots.")
	stageImage      = stageCmd.Flag("image", "Path of the built image.").Required().String()
	stageDeviceType = stageCmd.Flag("device-type", deviceTypeHelp()).Required().String()
	stageScriptsDir = stageCmd.Flag("scripts-dir", "Directory holding the per-device staging scripts.").
			Default("scripts").String()

	artifactCmd        = app.Command("write-artifact", "Package a root slot of a built image into an update artifact.")
	artifactImage      = artifactCmd.Flag("image", "Path of the built image.").Required().String()
	artifactDeviceType = artifactCmd.Flag("device-type", deviceTypeHelp()).Required().String()
	artifactName       = artifactCmd.Flag("artifact-name", "Name of the artifact to write.").Required().String()
	artifactRootfs     = artifactCmd.Flag("rootfs", "Root slot to package (a or b).").Default("a").String()
	artifactOutput     = artifactCmd.Flag("output", "Path of the artifact file to write.").Required().String()
)

func deviceTypeHelp() string {
	return fmt.Sprintf("Target device type (%s).", strings.Join(convertlib.DeviceTypes(), ", "))
}

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	err := run(command)
	if err != nil {
		logger.Log.Fatalf("%v", err)
	}
}

func run(command string) error {
	err := os.MkdirAll(*buildDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create build directory (%s):\n%w", *buildDir, err)
	}

	switch command {
	case shrinkCmd.FullCommand():
		return runShrink()
	case buildCmd.FullCommand():
		return runBuild()
	case stageCmd.FullCommand():
		return runStage()
	case artifactCmd.FullCommand():
		return runWriteArtifact()
	default:
		return fmt.Errorf("unknown command (%s)", command)
	}
}

func runShrink() error {
	newSizeSectors, err := convertlib.ShrinkRootfs(*shrinkImage)
	if err != nil {
		return err
	}

	fmt.Printf("%d\n", newSizeSectors)
	return nil
}

func runBuild() error {
	profile, err := convertlib.GetDeviceProfile(*buildDeviceType)
	if err != nil {
		return err
	}

	descriptor, err := convertlib.BuildConvertedImage(*buildImage, *buildOutput, profile,
		convertlib.ConvertOptions{
			DataPartSizeMB: *buildDataSizeMB,
			ArtifactName:   *buildArtifactName,
			Compress:       *buildCompress,
		})
	if err != nil {
		return err
	}

	logger.Log.Infof("Built (%s), %d bytes, descriptor (%s)", *buildOutput,
		descriptor.TotalSizeBytes, convertlib.DescriptorPath(*buildOutput))
	return nil
}

func runStage() error {
	profile, err := convertlib.GetDeviceProfile(*stageDeviceType)
	if err != nil {
		return err
	}

	return convertlib.StageImage(*buildDir, *stageImage, *stageScriptsDir, profile)
}

func runWriteArtifact() error {
	profile, err := convertlib.GetDeviceProfile(*artifactDeviceType)
	if err != nil {
		return err
	}

	slot, err := convertlib.ParseRootfsSlot(*artifactRootfs)
	if err != nil {
		return err
	}

	return convertlib.WriteArtifactFromImage(*buildDir, *artifactImage, slot, profile,
		*artifactName, *artifactOutput)
}
