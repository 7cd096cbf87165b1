package sliceutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsValue(t *testing.T) {
	list := []string{"ext2", "ext3", "ext4"}

	assert.True(t, ContainsValue(list, "ext4"))
	assert.False(t, ContainsValue(list, "vfat"))
	assert.False(t, ContainsValue([]string(nil), "ext4"))
}

func TestFindValueFunc(t *testing.T) {
	list := []int{1, 2, 3, 4}

	value, found := FindValueFunc(list, func(v int) bool { return v > 2 })
	assert.True(t, found)
	assert.Equal(t, 3, value)

	_, found = FindValueFunc(list, func(v int) bool { return v > 10 })
	assert.False(t, found)
}

func TestFindMatches(t *testing.T) {
	list := []string{"loop0", "loop0p1", "loop0p2", "sda"}

	matches := FindMatches(list, func(v string) bool { return strings.HasPrefix(v, "loop0p") })
	assert.Equal(t, []string{"loop0p1", "loop0p2"}, matches)

	matches = FindMatches(list, func(v string) bool { return false })
	assert.Nil(t, matches)
}
