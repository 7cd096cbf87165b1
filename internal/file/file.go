// Package file contains small filesystem helpers shared by the conversion
// tools.
package file

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// PathExists reports whether the path exists.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DirExists reports whether the path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CommandExists reports whether the program can be found in PATH.
func CommandExists(program string) (bool, error) {
	_, err := exec.LookPath(program)
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read returns the file's contents as a string.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file (%s):\n%w", path, err)
	}
	return string(data), nil
}

// ReadLines returns the file's contents split into lines, without trailing
// newline characters.
func ReadLines(path string) ([]string, error) {
	content, err := Read(path)
	if err != nil {
		return nil, err
	}

	content = strings.TrimRight(content, "\n")
	if content == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

// Write writes the string to the file, creating or truncating it.
func Write(content string, path string) error {
	err := os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		return fmt.Errorf("failed to write file (%s):\n%w", path, err)
	}
	return nil
}

// Move renames the file, falling back to copy+delete across filesystems.
func Move(srcPath string, dstPath string) error {
	err := os.Rename(srcPath, dstPath)
	if err == nil {
		return nil
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to move file (%s) to (%s):\n%w", srcPath, dstPath, err)
	}

	err = os.WriteFile(dstPath, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to move file (%s) to (%s):\n%w", srcPath, dstPath, err)
	}

	return os.Remove(srcPath)
}

// RemoveFileIfExists deletes the file if it is present.
func RemoveFileIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file (%s):\n%w", path, err)
	}
	return nil
}
