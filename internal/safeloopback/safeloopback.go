// Package safeloopback scopes the lifetime of a loop device binding. Every
// acquire is paired with a deferred Close so the binding is released on all
// exit paths; happy paths finish with CleanClose to surface detach errors.
package safeloopback

import (
	"fmt"

	"github.com/mendersoftware/mender-conversion-tools/internal/diskutils"
	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
)

// Loopback is an active binding of a disk image's partitions to /dev/loopN*
// block devices.
type Loopback struct {
	devicePath   string
	diskFilePath string
	isAttached   bool
}

// NewLoopback binds the disk file to a loop device with all of its
// partitions scanned. Either all partition device nodes become available or
// the binding is unwound before the error is returned.
func NewLoopback(diskFilePath string) (*Loopback, error) {
	loopback := &Loopback{
		diskFilePath: diskFilePath,
	}

	err := loopback.newLoopbackHelper()
	if err != nil {
		loopback.Close()
		return nil, fmt.Errorf("failed to bind disk (%s) to a loopback device:\n%w", diskFilePath, err)
	}

	return loopback, nil
}

func (l *Loopback) newLoopbackHelper() error {
	devicePath, err := diskutils.SetupLoopbackDevice(l.diskFilePath)
	if err != nil {
		return err
	}
	l.devicePath = devicePath
	l.isAttached = true

	// Wait for the partition device nodes to show up.
	err = diskutils.WaitForDiskDevice(l.devicePath)
	if err != nil {
		return err
	}

	return nil
}

func (l *Loopback) DevicePath() string {
	return l.devicePath
}

func (l *Loopback) DiskFilePath() string {
	return l.diskFilePath
}

// PartitionDevPath returns the device path of one of the disk's partitions.
// Partition numbers start at 1.
func (l *Loopback) PartitionDevPath(partitionNum int) string {
	return fmt.Sprintf("%sp%d", l.devicePath, partitionNum)
}

// Close releases the binding, logging but otherwise ignoring errors. Safe to
// call on an already closed Loopback.
func (l *Loopback) Close() {
	err := l.close(false)
	if err != nil {
		logger.Log.Warnf("Failed to close loopback device (%s): %v", l.devicePath, err)
	}
}

// CleanClose releases the binding and waits for the kernel to drop the loop
// device, reporting any failure.
func (l *Loopback) CleanClose() error {
	return l.close(true)
}

func (l *Loopback) close(waitForDetach bool) error {
	if !l.isAttached {
		return nil
	}

	err := diskutils.DetachLoopbackDevice(l.devicePath)
	if err != nil {
		return err
	}
	l.isAttached = false

	if waitForDetach {
		err = diskutils.WaitForLoopbackToDetach(l.devicePath, l.diskFilePath)
		if err != nil {
			return err
		}
	}

	return nil
}
