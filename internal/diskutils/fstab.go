package diskutils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mendersoftware/mender-conversion-tools/internal/file"
)

// FstabEntry is a single line of an /etc/fstab file.
type FstabEntry struct {
	Source  string // Example: /dev/mmcblk0p1
	Target  string // Example: /uboot
	FsType  string // Example: vfat
	Options string // Example: defaults
	Dump    int
	Pass    int
}

func (e FstabEntry) String() string {
	options := e.Options
	if options == "" {
		options = "defaults"
	}
	return fmt.Sprintf("%-20s %-15s %-7s %-15s %d %d", e.Source, e.Target, e.FsType, options, e.Dump, e.Pass)
}

// WriteFstabFile writes the entries to an fstab file, replacing it.
func WriteFstabFile(entries []FstabEntry, fstabPath string) error {
	builder := strings.Builder{}
	for _, entry := range entries {
		builder.WriteString(entry.String())
		builder.WriteString("\n")
	}

	err := file.Write(builder.String(), fstabPath)
	if err != nil {
		return fmt.Errorf("failed to write fstab file (%s):\n%w", fstabPath, err)
	}
	return nil
}

// ReadFstabFile parses an fstab file, skipping comments and blank lines.
func ReadFstabFile(fstabPath string) ([]FstabEntry, error) {
	lines, err := file.ReadLines(fstabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read fstab file (%s):\n%w", fstabPath, err)
	}

	entries := []FstabEntry(nil)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 || len(fields) > 6 {
			return nil, fmt.Errorf("invalid fstab line (%s)", line)
		}

		entry := FstabEntry{
			Source:  fields[0],
			Target:  fields[1],
			FsType:  fields[2],
			Options: fields[3],
		}

		if len(fields) >= 5 {
			entry.Dump, err = strconv.Atoi(fields[4])
			if err != nil {
				return nil, fmt.Errorf("invalid fstab dump field (%s)", fields[4])
			}
		}
		if len(fields) == 6 {
			entry.Pass, err = strconv.Atoi(fields[5])
			if err != nil {
				return nil, fmt.Errorf("invalid fstab pass field (%s)", fields[5])
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
