// Package safemount scopes the lifetime of a filesystem mount, mirroring the
// Close/CleanClose discipline of safeloopback.
package safemount

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mendersoftware/mender-conversion-tools/internal/logger"
)

// Mount is an active mount of a block device.
type Mount struct {
	target     string
	isMounted  bool
	dirCreated bool
}

// NewMount mounts the source device at the target path. If makeAndDelete is
// set, the target directory is created and removed along with the mount.
func NewMount(source string, target string, fstype string, flags uintptr, data string, makeAndDelete bool,
) (*Mount, error) {
	mount := &Mount{
		target: target,
	}

	err := mount.newMountHelper(source, fstype, flags, data, makeAndDelete)
	if err != nil {
		mount.Close()
		return nil, fmt.Errorf("failed to mount (%s) at (%s):\n%w", source, target, err)
	}

	return mount, nil
}

func (m *Mount) newMountHelper(source string, fstype string, flags uintptr, data string, makeAndDelete bool,
) error {
	logger.Log.Debugf("Mounting (%s) at (%s)", source, m.target)

	if makeAndDelete {
		err := os.MkdirAll(m.target, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = true
	}

	err := unix.Mount(source, m.target, fstype, flags, data)
	if err != nil {
		return fmt.Errorf("mount syscall failed:\n%w", err)
	}
	m.isMounted = true

	return nil
}

func (m *Mount) Target() string {
	return m.target
}

// Close unmounts, logging but otherwise ignoring errors. Safe to call on an
// already closed Mount.
func (m *Mount) Close() {
	err := m.close()
	if err != nil {
		logger.Log.Warnf("Failed to close mount (%s): %v", m.target, err)
	}
}

// CleanClose unmounts and reports any failure.
func (m *Mount) CleanClose() error {
	return m.close()
}

func (m *Mount) close() error {
	if m.isMounted {
		logger.Log.Debugf("Unmounting (%s)", m.target)

		// A just-finished subprocess can hold the mount busy for a moment.
		var err error
		for attempt := 0; attempt < 3; attempt++ {
			err = unix.Unmount(m.target, 0)
			if err == nil || err != unix.EBUSY {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
		if err != nil {
			return fmt.Errorf("failed to unmount (%s):\n%w", m.target, err)
		}
		m.isMounted = false
	}

	if m.dirCreated {
		err := os.Remove(m.target)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove mount directory (%s):\n%w", m.target, err)
		}
		m.dirCreated = false
	}

	return nil
}
