package convertlib

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mendersoftware/mender-conversion-tools/internal/file"
)

func TestParseRootfsSlot(t *testing.T) {
	slot, err := ParseRootfsSlot("a")
	assert.NoError(t, err)
	assert.Equal(t, RootfsSlotA, slot)

	slot, err = ParseRootfsSlot("b")
	assert.NoError(t, err)
	assert.Equal(t, RootfsSlotB, slot)

	_, err = ParseRootfsSlot("c")
	assert.True(t, errors.Is(err, ErrConfig))
}

func writeTestDeviceTypeFile(t *testing.T, treeDir string, content string) {
	deviceTypePath := filepath.Join(treeDir, deviceTypeFilePath)
	err := os.MkdirAll(filepath.Dir(deviceTypePath), 0o755)
	assert.NoError(t, err)
	err = file.Write(content, deviceTypePath)
	assert.NoError(t, err)
}

func TestVerifyTreeDeviceType(t *testing.T) {
	treeDir := t.TempDir()
	writeTestDeviceTypeFile(t, treeDir, "device_type=raspberrypi3\n")

	assert.NoError(t, verifyTreeDeviceType(treeDir, "raspberrypi3"))

	err := verifyTreeDeviceType(treeDir, "beaglebone")
	assert.True(t, errors.Is(err, ErrDeviceTypeMismatch))
	assert.ErrorContains(t, err, "raspberrypi3")
	assert.ErrorContains(t, err, "beaglebone")
}

func TestVerifyTreeDeviceTypeMissingFile(t *testing.T) {
	err := verifyTreeDeviceType(t.TempDir(), "raspberrypi3")
	assert.True(t, errors.Is(err, ErrDeviceTypeMismatch))
}

func TestReadDeviceTypeFileSkipsOtherLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_type")
	err := file.Write("# written at build time\n\ndevice_type=qemux86-64\n", path)
	assert.NoError(t, err)

	deviceType, err := readDeviceTypeFile(path)
	assert.NoError(t, err)
	assert.Equal(t, "qemux86-64", deviceType)
}

func TestReadDeviceTypeFileNoEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_type")
	err := file.Write("something_else=1\n", path)
	assert.NoError(t, err)

	_, err = readDeviceTypeFile(path)
	assert.True(t, errors.Is(err, ErrDeviceTypeMismatch))
}

func TestWriteArtifactFromTreeDeviceTypeMismatchAborts(t *testing.T) {
	buildDir := t.TempDir()
	treeDir := t.TempDir()
	writeTestDeviceTypeFile(t, treeDir, "device_type=beaglebone\n")

	profile, err := GetDeviceProfile("raspberrypi3")
	assert.NoError(t, err)

	outputPath := filepath.Join(buildDir, "release-1.mender")
	err = WriteArtifactFromTree(buildDir, treeDir, 128*1024*1024, profile, "release-1", outputPath)
	assert.True(t, errors.Is(err, ErrDeviceTypeMismatch))

	// The packaging must abort before any intermediate or output is created.
	exists, err := file.PathExists(filepath.Join(buildDir, "rootfs.ext4"))
	assert.NoError(t, err)
	assert.False(t, exists)

	exists, err = file.PathExists(outputPath)
	assert.NoError(t, err)
	assert.False(t, exists)
}
