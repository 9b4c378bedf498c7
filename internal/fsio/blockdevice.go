// Package fsio describes the two storage collaborators this subsystem
// depends on but does not own (spec §6: "Block device" and "File system"),
// and provides local-disk implementations of each for tests and the demo
// binary. The page/segment offset arithmetic is adapted from
// internal/storage/sm.go's StorageManager.ReadPage/WritePage, generalized
// from page-granular to sector-granular so it can back both the swap
// device (sector reads/writes) and mmap'd files (byte-range reads/writes).
package fsio

import (
	"fmt"
	"io"
	"os"
)

// BlockDevice is the sector-granular, synchronous block device the swap
// allocator transfers whole pages to and from (spec §4.2, §6).
type BlockDevice interface {
	SectorSize() int
	NumSectors() int64
	ReadSector(sector int64, dst []byte) error
	WriteSector(sector int64, src []byte) error
}

// FileBlockDevice is a BlockDevice backed by a single local file, growing
// the file lazily as sectors beyond the current end are written — mirroring
// StorageManager.WritePage's "seek past EOF is fine" behavior in
// internal/storage/sm.go.
type FileBlockDevice struct {
	f          *os.File
	sectorSize int
	numSectors int64
}

// OpenFileBlockDevice opens (creating if absent) a file-backed block device
// of exactly numSectors sectors of sectorSize bytes each.
func OpenFileBlockDevice(path string, sectorSize int, numSectors int64) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fsio: open block device: %w", err)
	}
	return &FileBlockDevice{f: f, sectorSize: sectorSize, numSectors: numSectors}, nil
}

func (d *FileBlockDevice) SectorSize() int  { return d.sectorSize }
func (d *FileBlockDevice) NumSectors() int64 { return d.numSectors }

func (d *FileBlockDevice) ReadSector(sector int64, dst []byte) error {
	if len(dst) != d.sectorSize {
		return fmt.Errorf("fsio: dst must be exactly %d bytes, got %d", d.sectorSize, len(dst))
	}
	if sector < 0 || sector >= d.numSectors {
		return fmt.Errorf("fsio: sector %d out of range [0,%d)", sector, d.numSectors)
	}
	off := sector * int64(d.sectorSize)
	n, err := d.f.ReadAt(dst, off)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < d.sectorSize; i++ {
		dst[i] = 0
	}
	return nil
}

func (d *FileBlockDevice) WriteSector(sector int64, src []byte) error {
	if len(src) != d.sectorSize {
		return fmt.Errorf("fsio: src must be exactly %d bytes, got %d", d.sectorSize, len(src))
	}
	if sector < 0 || sector >= d.numSectors {
		return fmt.Errorf("fsio: sector %d out of range [0,%d)", sector, d.numSectors)
	}
	off := sector * int64(d.sectorSize)
	n, err := d.f.WriteAt(src, off)
	if err != nil {
		return err
	}
	if n != d.sectorSize {
		return io.ErrShortWrite
	}
	return nil
}

func (d *FileBlockDevice) Close() error { return d.f.Close() }
