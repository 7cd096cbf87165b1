package diskutils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mendersoftware/mender-conversion-tools/internal/file"
)

func TestFstabEntryString(t *testing.T) {
	entry := FstabEntry{
		Source:  "/dev/mmcblk0p2",
		Target:  "/",
		FsType:  "ext4",
		Options: "defaults",
		Dump:    1,
		Pass:    1,
	}

	assert.Equal(t, "/dev/mmcblk0p2       /               ext4    defaults        1 1", entry.String())
}

func TestFstabEntryStringDefaultsOptions(t *testing.T) {
	entry := FstabEntry{
		Source: "/dev/mmcblk0p4",
		Target: "/data",
		FsType: "ext4",
	}

	assert.Contains(t, entry.String(), "defaults")
}

func TestFstabRoundTrip(t *testing.T) {
	entries := []FstabEntry{
		{Source: "/dev/mmcblk0p1", Target: "/uboot", FsType: "vfat", Options: "defaults,sync", Pass: 2},
		{Source: "/dev/mmcblk0p2", Target: "/", FsType: "ext4", Options: "defaults", Dump: 1, Pass: 1},
		{Source: "/dev/mmcblk0p4", Target: "/data", FsType: "ext4", Options: "defaults", Pass: 2},
	}

	fstabPath := filepath.Join(t.TempDir(), "fstab")
	err := WriteFstabFile(entries, fstabPath)
	assert.NoError(t, err)

	read, err := ReadFstabFile(fstabPath)
	assert.NoError(t, err)
	assert.Equal(t, entries, read)
}

func TestReadFstabFileSkipsCommentsAndBlanks(t *testing.T) {
	fstabPath := filepath.Join(t.TempDir(), "fstab")
	content := "# static filesystem table\n" +
		"\n" +
		"/dev/sda2 / ext4 defaults 1 1\n"
	err := file.Write(content, fstabPath)
	assert.NoError(t, err)

	entries, err := ReadFstabFile(fstabPath)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "/dev/sda2", entries[0].Source)
}

func TestReadFstabFileInvalidLine(t *testing.T) {
	fstabPath := filepath.Join(t.TempDir(), "fstab")
	err := file.Write("/dev/sda2 /\n", fstabPath)
	assert.NoError(t, err)

	_, err = ReadFstabFile(fstabPath)
	assert.Error(t, err)
}
