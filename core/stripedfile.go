package core

// Striped file: blocks stored back-to-back with a sidecar bitmap recording
// presence, one bit per block, LSB-first within each byte. The bitmap file
// grows in 4 KiB chunks. An in-memory bitset mirrors the sidecar so
// presence checks stay off the disk.

import (
	"fmt"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

const bitmapChunk = 4096

type StripedFile struct {
	mu      sync.Mutex
	path    string
	mapPath string
	file    *os.File
	mapFile *os.File
	written *bitset.BitSet
}

// OpenStripedFile opens or creates the data file and its sidecar bitmap.
func OpenStripedFile(path string) (*StripedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	mapPath := path + ".map"
	mf, err := os.OpenFile(mapPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		f.Close()
		return nil, err
	}
	sf := &StripedFile{
		path:    path,
		mapPath: mapPath,
		file:    f,
		mapFile: mf,
		written: bitset.New(64),
	}
	if err := sf.loadBitmap(); err != nil {
		sf.Close()
		return nil, err
	}
	return sf, nil
}

func (sf *StripedFile) loadBitmap() error {
	data, err := os.ReadFile(sf.mapPath)
	if err != nil {
		return err
	}
	for i, b := range data {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				sf.written.Set(uint(i*8 + bit))
			}
		}
	}
	return nil
}

func (sf *StripedFile) Path() string { return sf.path }

// HasBlock reports whether block i has been written.
func (sf *StripedFile) HasBlock(i int64) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.written.Test(uint(i))
}

// ReadBlock returns the bytes of block i, or ErrUnavailable while absent.
func (sf *StripedFile) ReadBlock(i int64) ([]byte, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if !sf.written.Test(uint(i)) {
		return nil, fmt.Errorf("%w: block %d", ErrUnavailable, i)
	}
	buf := make([]byte, BlockSize)
	n, err := sf.file.ReadAt(buf, i*BlockSize)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

// WriteBlock stores block i and marks it present in the sidecar.
func (sf *StripedFile) WriteBlock(i int64, data []byte) error {
	if len(data) > BlockSize {
		return fmt.Errorf("%w: block size %d", ErrProtocol, len(data))
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if _, err := sf.file.WriteAt(data, i*BlockSize); err != nil {
		return err
	}
	if err := sf.markWritten(i); err != nil {
		return err
	}
	sf.written.Set(uint(i))
	return nil
}

func (sf *StripedFile) markWritten(i int64) error {
	byteOffset := i / 8
	mask := byte(1) << uint(i%8)

	info, err := sf.mapFile.Stat()
	if err != nil {
		return err
	}
	if byteOffset >= info.Size() {
		grown := ((byteOffset / bitmapChunk) + 1) * bitmapChunk
		if err := sf.mapFile.Truncate(grown); err != nil {
			return err
		}
	}
	var cur [1]byte
	if _, err := sf.mapFile.ReadAt(cur[:], byteOffset); err != nil {
		return err
	}
	cur[0] |= mask
	_, err = sf.mapFile.WriteAt(cur[:], byteOffset)
	return err
}

// Truncate fixes the data file to the final content size.
func (sf *StripedFile) Truncate(size int64) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.file.Truncate(size)
}

// Finalize drops the sidecar once the content is complete and verified.
func (sf *StripedFile) Finalize() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.mapFile != nil {
		sf.mapFile.Close()
		sf.mapFile = nil
	}
	return os.Remove(sf.mapPath)
}

func (sf *StripedFile) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.mapFile != nil {
		sf.mapFile.Close()
	}
	return sf.file.Close()
}

// Remove deletes the data file and sidecar.
func (sf *StripedFile) Remove() error {
	sf.Close()
	os.Remove(sf.mapPath)
	return os.Remove(sf.path)
}
