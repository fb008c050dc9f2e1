package core

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStripedFileReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	sf, err := OpenStripedFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sf.Close()

	if _, err := sf.ReadBlock(0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("absent block read err=%v, want ErrUnavailable", err)
	}

	block := make([]byte, BlockSize)
	rand.Read(block)
	if err := sf.WriteBlock(2, block); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sf.HasBlock(0) || !sf.HasBlock(2) {
		t.Fatalf("presence bits wrong")
	}
	got, err := sf.ReadBlock(2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, block) {
		t.Fatalf("block changed")
	}
}

func TestStripedFileBitmapPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	sf, err := OpenStripedFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, i := range []int64{0, 3, 9} {
		if err := sf.WriteBlock(i, []byte("x")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	sf.Close()

	sf2, err := OpenStripedFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sf2.Close()
	for _, i := range []int64{0, 3, 9} {
		if !sf2.HasBlock(i) {
			t.Fatalf("block %d lost after reopen", i)
		}
	}
	if sf2.HasBlock(1) || sf2.HasBlock(8) {
		t.Fatalf("phantom blocks after reopen")
	}
}

func TestStripedFileBitmapLayout(t *testing.T) {
	// Bits are LSB-first within each byte; the map file grows in 4 KiB
	// chunks.
	path := filepath.Join(t.TempDir(), "content")
	sf, err := OpenStripedFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sf.Close()

	if err := sf.WriteBlock(0, []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sf.WriteBlock(9, []byte("b")); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path + ".map")
	if err != nil {
		t.Fatalf("read map: %v", err)
	}
	if int64(len(raw))%bitmapChunk != 0 {
		t.Fatalf("map size %d not a chunk multiple", len(raw))
	}
	if raw[0]&0x01 == 0 {
		t.Fatalf("bit for block 0 not LSB of byte 0")
	}
	if raw[1]&0x02 == 0 {
		t.Fatalf("bit for block 9 not bit 1 of byte 1")
	}
}
