// Utility to create and inspect disk images and their partitions.
//
// The partition table writer (sfdisk), the loop binder (losetup), and the
// filesystem tools (mkfs, e2fsck, resize2fs) are external collaborators;
// this package only invokes them and parses their output.

package diskutils

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sys/unix"

	"github.com/mendersoftware/mender-conversion-tools/internal/file"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
	"github.com/mendersoftware/mender-conversion-tools/internal/shell"
	"github.com/mendersoftware/mender-conversion-tools/internal/sliceutils"
)

var formattableFsTypes = []string{"vfat", "ext2", "ext3", "ext4", "xfs", "btrfs"}

// Unit to byte conversion values
const (
	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
)

const (
	EfiSystemPartitionTypeUuid    = "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"
	GenericLinuxPartitionTypeUuid = "0fc63daf-8483-4772-8e79-3d69d8477de4"

	// MBR partition type ids.
	Fat32LbaPartitionType = "c"
	LinuxPartitionType    = "83"

	flockTimeoutSeconds = "5"
)

type partitionInfoOutput struct {
	Devices []PartitionInfo `json:"blockdevices"`
}

// PartitionInfo is the kernel's view of a partition, as reported by lsblk.
type PartitionInfo struct {
	Name           string `json:"name"`       // Example: loop0p1
	Path           string `json:"path"`       // Example: /dev/loop0p1
	FileSystemType string `json:"fstype"`     // Example: ext4
	Uuid           string `json:"uuid"`       // Example: 4BD9-3A78
	PartUuid       string `json:"partuuid"`   // Example: 7b1367a6-...
	Mountpoint     string `json:"mountpoint"` // Example: /mnt/rootfs
	Type           string `json:"type"`       // Example: part
	SizeInBytes    uint64 `json:"size"`       // Example: 4096
}

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

// PartitionTablePartition is a single entry of an sfdisk partition table
// dump, extended with the filesystem type probed from disk.
type PartitionTablePartition struct {
	// Populated from "sfdisk --json":
	Path     string `json:"node"`     // Example: /dev/loop1p1
	Start    uint64 `json:"start"`    // Example: 2048
	Size     uint64 `json:"size"`     // Example: 16384
	Type     string `json:"type"`     // Example: 83 (dos), 0FC63DAF-... (gpt)
	Bootable bool   `json:"bootable"` // dos boot flag

	// Populated from "blkid --probe":
	FileSystemType string // Example: ext4
}

// PartitionTable is the on-disk partition table as dumped by sfdisk.
type PartitionTable struct {
	Label      string                    `json:"label"`      // Example: dos, gpt
	Id         string                    `json:"id"`         // Example: 0x1d60ec13
	Device     string                    `json:"device"`     // Example: /dev/loop1
	Unit       string                    `json:"unit"`       // Example: sectors
	FirstLba   uint64                    `json:"firstlba"`   // Example: 2048
	LastLba    uint64                    `json:"lastlba"`    // Example: 8388574
	SectorSize uint64                    `json:"sectorsize"` // Example: 512
	Partitions []PartitionTablePartition `json:"partitions"`
}

type partitionTableOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

// CreateSparseDisk creates an empty sparse disk file of exactly size bytes.
func CreateSparseDisk(diskPath string, size uint64, perm os.FileMode) (err error) {
	diskFile, err := os.OpenFile(diskPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create empty disk file:\n%w", err)
	}
	defer diskFile.Close()

	err = diskFile.Truncate(int64(size))
	if err != nil {
		return fmt.Errorf("failed to set empty disk file's size:\n%w", err)
	}
	return
}

// TruncateDisk shrinks the backing disk file to exactly size bytes.
func TruncateDisk(diskPath string, size uint64) error {
	err := os.Truncate(diskPath, int64(size))
	if err != nil {
		return fmt.Errorf("failed to truncate disk file (%s):\n%w", diskPath, err)
	}
	return nil
}

// SetupLoopbackDevice creates a /dev/loop device for the given disk file,
// with the partitions scanned.
func SetupLoopbackDevice(diskFilePath string) (devicePath string, err error) {
	logger.Log.Debugf("Attaching loopback: %v", diskFilePath)
	stdout, stderr, err := shell.Execute("losetup", "--show", "-f", "-P", diskFilePath)
	if err != nil {
		err = fmt.Errorf("failed to create loopback device using losetup:\n%v\n%w", stderr, err)
		return
	}
	devicePath = strings.TrimSpace(stdout)
	logger.Log.Debugf("Created loopback device at device path: %v", devicePath)
	return
}

// DetachLoopbackDevice detaches the specified loop device.
func DetachLoopbackDevice(diskDevPath string) (err error) {
	logger.Log.Debugf("Detaching loopback device path: %v", diskDevPath)
	_, stderr, err := shell.Execute("losetup", "-d", diskDevPath)
	if err != nil {
		err = fmt.Errorf("failed to detach loopback device using losetup:\n%v\n%w", stderr, err)
	}
	return
}

// WaitForLoopbackToDetach waits until the kernel no longer lists the loop
// device as backed by the disk file.
func WaitForLoopbackToDetach(devicePath string, diskPath string) error {
	delay := 120 * time.Millisecond
	attempts := 10
	for failures := 0; failures < attempts; failures++ {
		stdout, _, err := shell.Execute("losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
		if err != nil {
			return fmt.Errorf("failed to read loopback list:\n%w", err)
		}

		var output loopbackListOutput
		if stdout != "" {
			err = json.Unmarshal([]byte(stdout), &output)
			if err != nil {
				return fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
			}
		}

		_, found := sliceutils.FindValueFunc(output.Devices, func(device loopbackDevice) bool {
			return device.Name == devicePath && device.BackingFile == diskPath
		})
		if !found {
			return nil
		}

		time.Sleep(delay)
		delay *= 2
	}

	return fmt.Errorf("timed out waiting for loopback device (%s) for disk (%s) to close", devicePath, diskPath)
}

// WaitForDiskDevice waits until udev has settled and the partition device
// nodes described by the disk's partition table exist.
func WaitForDiskDevice(diskDevPath string) error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := shell.Execute("udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}

	// 'udevadm settle' is sometimes not enough. Double check that the
	// partition device nodes have been populated.
	partitionTable, err := ReadDiskPartitionTable(diskDevPath)
	if err != nil {
		return err
	}

	if partitionTable == nil {
		// Disk is empty.
		return nil
	}

	err = retry.Do(
		func() error {
			for _, partition := range partitionTable.Partitions {
				exists, err := file.PathExists(partition.Path)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("failed to find partition device node (%s)", partition.Path)
				}
			}
			return nil
		},
		retry.Attempts(10),
		retry.Delay(120*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("timed out waiting for disk (%s) partitions to be populated:\n%w", diskDevPath, err)
	}

	return nil
}

// GetDiskPartitions gets the kernel's view of a disk's partitions.
func GetDiskPartitions(diskDevPath string) ([]PartitionInfo, error) {
	jsonString, _, err := shell.Execute("lsblk", diskDevPath, "--output",
		"NAME,PATH,FSTYPE,UUID,MOUNTPOINT,PARTUUID,TYPE,SIZE", "--bytes", "--json", "--list")
	if err != nil {
		return nil, fmt.Errorf("failed to list disk (%s) partitions:\n%w", diskDevPath, err)
	}

	var output partitionInfoOutput
	if jsonString != "" {
		err = json.Unmarshal([]byte(jsonString), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse disk (%s) partitions JSON:\n%w", diskDevPath, err)
		}
	}

	return output.Devices, nil
}

// ReadDiskPartitionTable reads the partition table directly from the disk.
// Returns nil if the disk has no partition table.
func ReadDiskPartitionTable(diskDevPath string) (*PartitionTable, error) {
	stdout, stderr, err := shell.Execute("flock", "--timeout", flockTimeoutSeconds, "--shared", diskDevPath,
		"sfdisk", "--lock=no", "--dump", "--json", diskDevPath)
	if err != nil {
		if strings.Contains(stderr, "does not contain a recognized partition table") {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read partition table (%s):\n%s\n%w", diskDevPath, stderr, err)
	}

	partitionTable, err := ParsePartitionTableJson(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partition table:\n%w", diskDevPath, err)
	}

	if partitionTable == nil {
		return nil, nil
	}

	for i := range partitionTable.Partitions {
		partition := &partitionTable.Partitions[i]

		// Read the filesystem type directly from disk.
		stdout, _, err := shell.Execute("flock", "--timeout", flockTimeoutSeconds, "--shared", diskDevPath,
			"blkid", "--probe", "-s", "TYPE", "-o", "value", partition.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem type of partition (%s):\n%w", partition.Path, err)
		}

		partition.FileSystemType = strings.TrimSpace(stdout)
	}

	return partitionTable, nil
}

// ParsePartitionTableJson parses the output of "sfdisk --dump --json".
func ParsePartitionTableJson(jsonString string) (*PartitionTable, error) {
	var output partitionTableOutput
	if jsonString == "" {
		return nil, nil
	}

	err := json.Unmarshal([]byte(jsonString), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse partition table JSON:\n%w", err)
	}

	if output.PartitionTable == nil {
		return nil, nil
	}

	partitionTable := output.PartitionTable

	if partitionTable.Unit != "sectors" {
		return nil, fmt.Errorf("sfdisk returned unexpected unit '%s': expecting 'sectors'", partitionTable.Unit)
	}

	return partitionTable, nil
}

// WritePartitionTable writes an sfdisk script to the disk, replacing any
// existing partition table, then waits for the kernel's view to update.
func WritePartitionTable(diskDevPath string, sfdiskScript string) error {
	logger.Log.Debugf("sfdisk script:\n%s", sfdiskScript)

	err := shell.NewExecBuilder("flock", "--timeout", flockTimeoutSeconds, diskDevPath,
		"sfdisk", "--lock=no", "--wipe", "always", diskDevPath).
		Stdin(sfdiskScript).
		ErrorStderrLines(1).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to write partition table (%s) using sfdisk:\n%w", diskDevPath, err)
	}

	return RefreshPartitions(diskDevPath)
}

// RefreshPartitions asks the kernel to reread the disk's partition table and
// waits for the partition device nodes to reappear.
func RefreshPartitions(diskDevPath string) error {
	err := requestKernelRereadPartitionTable(diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to request partition table reread (%s):\n%w", diskDevPath, err)
	}

	return WaitForDiskDevice(diskDevPath)
}

func requestKernelRereadPartitionTable(diskDevPath string) error {
	diskFile, err := os.OpenFile(diskDevPath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer diskFile.Close()

	waitTime := 125 * time.Millisecond
	retries := 10
	for i := 0; ; i++ {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, diskFile.Fd(), unix.BLKRRPART, 0)
		switch {
		case errno == unix.EBUSY && i < retries:
			// Something else is using the disk at the moment.
			time.Sleep(waitTime)
			waitTime *= 2
			continue

		case errno != 0:
			return errno

		default:
			return nil
		}
	}
}

// FormatPartition formats the partition with the given filesystem type. The
// command is retried because newly created partition device nodes are
// sometimes not ready on the first attempt.
func FormatPartition(diskDevPath string, partDevPath string, fsType string, mkfsOptions ...string) error {
	switch fsType {
	case "fat32", "fat16":
		fsType = "vfat"
	}
	if !sliceutils.ContainsValue(formattableFsTypes, fsType) {
		return fmt.Errorf("unrecognized filesystem format: %v", fsType)
	}

	mkfsArgs := []string{"--timeout", flockTimeoutSeconds, diskDevPath, "mkfs", "-t", fsType}
	mkfsArgs = append(mkfsArgs, mkfsOptions...)
	mkfsArgs = append(mkfsArgs, partDevPath)

	err := retry.Do(
		func() error {
			_, stderr, err := shell.Execute("flock", mkfsArgs...)
			if err != nil {
				logger.Log.Warnf("Failed to format partition using mkfs: %v", stderr)
				return err
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("could not format partition (%s) with type %s:\n%w", partDevPath, fsType, err)
	}

	return nil
}

// CopyBlocks copies the contents of one block device onto another.
func CopyBlocks(srcDevPath string, dstDevPath string) error {
	err := shell.ExecuteLive(true /*squashErrors*/, "dd",
		"if="+srcDevPath, "of="+dstDevPath, "bs=8M", "conv=fsync", "status=none")
	if err != nil {
		return fmt.Errorf("failed to copy blocks from (%s) to (%s):\n%w", srcDevPath, dstDevPath, err)
	}
	return nil
}
