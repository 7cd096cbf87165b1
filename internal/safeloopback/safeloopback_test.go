package safeloopback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/file"
)

func TestLoopbackLifecycle(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses loopback devices")
	}

	diskPath := filepath.Join(t.TempDir(), "disk.img")
	err := diskutils.CreateSparseDisk(diskPath, 4*diskutils.MiB, 0o644)
	assert.NoError(t, err)

	loopback, err := NewLoopback(diskPath)
	assert.NoError(t, err)
	defer loopback.Close()

	assert.Equal(t, diskPath, loopback.DiskFilePath())
	assert.NotEmpty(t, loopback.DevicePath())

	exists, err := file.PathExists(loopback.DevicePath())
	assert.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, loopback.DevicePath()+"p1", loopback.PartitionDevPath(1))

	err = loopback.CleanClose()
	assert.NoError(t, err)
}

func TestLoopbackMissingDiskFile(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses loopback devices")
	}

	_, err := NewLoopback(filepath.Join(t.TempDir(), "nonexistent.img"))
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	loopback := &Loopback{}
	loopback.Close()
	loopback.Close()
	assert.NoError(t, loopback.CleanClose())
}
