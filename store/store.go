// Package store owns the backing file for a single-file torrent: a
// memory-mapped read-only view for seeders, or a memory-mapped
// read-write temporary sibling for leechers that gets renamed onto the
// target path once the final piece verifies. It mirrors the mmap
// approach used for torrent storage in anacrolix/torrent (storage/mmap.go),
// which is the only mapping library present anywhere in the corpus.
package store

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	pkgerrors "github.com/pkg/errors"
)

// Store is a memory-mapped view over a torrent's single backing file.
type Store struct {
	file       *os.File
	mapping    mmap.MMap
	tempPath   string
	targetPath string
	readOnly   bool
}

// OpenSeeder maps the already-complete target file read-only.
func OpenSeeder(targetPath string) (*Store, error) {
	f, err := os.OpenFile(targetPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "store: open target")
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, pkgerrors.Wrap(err, "store: map target")
	}
	return &Store{file: f, mapping: m, targetPath: targetPath, readOnly: true}, nil
}

// OpenLeecher creates (or reuses) a zero-filled temporary sibling of
// size fileSize named "<targetPath>.tmp" and maps it read-write.
func OpenLeecher(targetPath string, fileSize int64) (*Store, error) {
	tempPath := targetPath + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "store: allocate temp file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pkgerrors.Wrap(err, "store: stat temp file")
	}
	if fi.Size() != fileSize {
		if err := f.Truncate(fileSize); err != nil {
			f.Close()
			return nil, pkgerrors.Wrap(err, "store: truncate temp file")
		}
	}
	if fileSize == 0 {
		return &Store{file: f, tempPath: tempPath, targetPath: targetPath}, nil
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, pkgerrors.Wrap(err, "store: map temp file")
	}
	return &Store{file: f, mapping: m, tempPath: tempPath, targetPath: targetPath}, nil
}

// ReadAt copies len(p) bytes starting at off from the mapped file.
func (s *Store) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(s.mapping)) {
		return fmt.Errorf("store: read [%d,%d) out of bounds (size %d)", off, off+int64(len(p)), len(s.mapping))
	}
	copy(p, s.mapping[off:off+int64(len(p))])
	return nil
}

// WriteAt copies p into the mapped file starting at off. It fails on
// a read-only (seeder) mapping.
func (s *Store) WriteAt(p []byte, off int64) error {
	if s.readOnly {
		return fmt.Errorf("store: write to read-only mapping")
	}
	if off < 0 || off+int64(len(p)) > int64(len(s.mapping)) {
		return fmt.Errorf("store: write [%d,%d) out of bounds (size %d)", off, off+int64(len(p)), len(s.mapping))
	}
	copy(s.mapping[off:off+int64(len(p))], p)
	return nil
}

// ZeroRange clears length bytes starting at off, used when a piece
// fails hash verification.
func (s *Store) ZeroRange(off, length int64) error {
	if s.readOnly {
		return fmt.Errorf("store: zero range on read-only mapping")
	}
	if off < 0 || off+length > int64(len(s.mapping)) {
		return fmt.Errorf("store: zero range [%d,%d) out of bounds", off, off+length)
	}
	clear(s.mapping[off : off+length])
	return nil
}

// PromoteToTarget renames the temp sibling onto the target path. Only
// valid for a leecher-opened Store; it unmaps and closes the file
// handle first since a mapped file cannot be renamed reliably while
// mapped on all platforms.
func (s *Store) PromoteToTarget() error {
	if s.readOnly {
		return fmt.Errorf("store: promote called on seeder mapping")
	}
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Rename(s.tempPath, s.targetPath); err != nil {
		return pkgerrors.Wrap(err, "store: rename temp to target")
	}
	return nil
}

// TargetPath returns the final on-disk path this Store will occupy
// once promoted (or already occupies, for a seeder).
func (s *Store) TargetPath() string {
	return s.targetPath
}

// Close unmaps and closes the backing file.
func (s *Store) Close() error {
	var err error
	if s.mapping != nil {
		err = s.mapping.Unmap()
		s.mapping = nil
	}
	if cerr := s.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
