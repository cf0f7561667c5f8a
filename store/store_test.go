package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeecherWriteReadZero(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")

	s, err := OpenLeecher(target, 32)
	require.NoError(t, err)
	defer s.Close()

	block := []byte("0123456789abcdef")
	require.NoError(t, s.WriteAt(block, 0))

	got := make([]byte, len(block))
	require.NoError(t, s.ReadAt(got, 0))
	require.Equal(t, block, got)

	require.NoError(t, s.ZeroRange(0, int64(len(block))))
	require.NoError(t, s.ReadAt(got, 0))
	require.Equal(t, make([]byte, len(block)), got)
}

func TestLeecherWriteOutOfBounds(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	s, err := OpenLeecher(target, 16)
	require.NoError(t, err)
	defer s.Close()

	err = s.WriteAt(make([]byte, 8), 12)
	require.Error(t, err)
}

func TestPromoteToTargetRenames(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	s, err := OpenLeecher(target, 4)
	require.NoError(t, err)
	require.NoError(t, s.WriteAt([]byte("abcd"), 0))
	require.NoError(t, s.PromoteToTarget())

	_, err = os.Stat(target)
	require.NoError(t, err)
	_, err = os.Stat(target + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestOpenSeederReadOnly(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(target, []byte("hello, world!!!!"), 0644))

	s, err := OpenSeeder(target)
	require.NoError(t, err)
	defer s.Close()

	got := make([]byte, 5)
	require.NoError(t, s.ReadAt(got, 0))
	require.Equal(t, []byte("hello"), got)

	err = s.WriteAt([]byte("x"), 0)
	require.Error(t, err)
}
