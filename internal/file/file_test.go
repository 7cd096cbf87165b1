package file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathExists(t *testing.T) {
	dir := t.TempDir()

	exists, err := PathExists(dir)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = PathExists(filepath.Join(dir, "nonexistent"))
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "file")
	err := Write("x", filePath)
	assert.NoError(t, err)

	exists, err := DirExists(dir)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = DirExists(filePath)
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestCommandExists(t *testing.T) {
	exists, err := CommandExists("sh")
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = CommandExists("definitely-not-a-real-tool")
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")

	err := Write("hello\nworld\n", path)
	assert.NoError(t, err)

	content, err := Read(path)
	assert.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", content)
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")

	err := Write("one\ntwo\nthree\n", path)
	assert.NoError(t, err)

	lines, err := ReadLines(path)
	assert.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestReadLinesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")

	err := Write("", path)
	assert.NoError(t, err)

	lines, err := ReadLines(path)
	assert.NoError(t, err)
	assert.Nil(t, lines)
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	dstPath := filepath.Join(dir, "dst")

	err := Write("contents", srcPath)
	assert.NoError(t, err)

	err = Move(srcPath, dstPath)
	assert.NoError(t, err)

	content, err := Read(dstPath)
	assert.NoError(t, err)
	assert.Equal(t, "contents", content)

	exists, err := PathExists(srcPath)
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveFileIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")

	// Removing a nonexistent file is not an error.
	assert.NoError(t, RemoveFileIfExists(path))

	err := Write("x", path)
	assert.NoError(t, err)
	assert.NoError(t, RemoveFileIfExists(path))

	exists, err := PathExists(path)
	assert.NoError(t, err)
	assert.False(t, exists)
}
