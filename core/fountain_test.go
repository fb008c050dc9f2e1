package core

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

//------------------------------------------------------------
// GF(2⁸) arithmetic
//------------------------------------------------------------

func TestGaloisField(t *testing.T) {
	if gfMul(0, 0x53) != 0 {
		t.Fatalf("0*x != 0")
	}
	if gfMul(1, 0x53) != 0x53 {
		t.Fatalf("1*x != x")
	}
	// Known AES field product.
	if got := gfMul(0x53, 0xCA); got != 0x01 {
		t.Fatalf("0x53*0xCA=%#x want 0x01", got)
	}
	for a := 1; a < 256; a++ {
		inv := gfInv(uint8(a))
		if gfMul(uint8(a), inv) != 1 {
			t.Fatalf("a*inv(a) != 1 for a=%d", a)
		}
	}
	// Distributivity spot check.
	for i := 0; i < 64; i++ {
		var v [3]byte
		rand.Read(v[:])
		a, b, c := v[0], v[1], v[2]
		if gfMul(a, gfAdd(b, c)) != gfAdd(gfMul(a, b), gfMul(a, c)) {
			t.Fatalf("distributivity failed for %d,%d,%d", a, b, c)
		}
	}
}

//------------------------------------------------------------
// Combinations
//------------------------------------------------------------

func makeBlocks(t *testing.T, n int, lastSize int) [][]byte {
	t.Helper()
	blocks := make([][]byte, n)
	for i := range blocks {
		size := BlockSize
		if i == n-1 {
			size = lastSize
		}
		blocks[i] = make([]byte, size)
		rand.Read(blocks[i])
	}
	return blocks
}

func blockReader(blocks [][]byte) func(i int64) ([]byte, error) {
	return func(i int64) ([]byte, error) { return blocks[i], nil }
}

func TestCombinationRoundTrip(t *testing.T) {
	blocks := makeBlocks(t, 4, 100)
	c, err := GenerateCombination(blockReader(blocks), 0, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	w := newWireWriter()
	if err := c.EncodeTo(w); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeCombination(newWireReader(w.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FirstComponent() != c.FirstComponent() || got.ComponentsCount() != c.ComponentsCount() {
		t.Fatalf("shape changed: %d/%d vs %d/%d",
			got.FirstComponent(), got.ComponentsCount(), c.FirstComponent(), c.ComponentsCount())
	}
	if !bytes.Equal(got.data, c.data) {
		t.Fatalf("data changed")
	}
}

func TestSourceCombinationDecodes(t *testing.T) {
	payload := []byte("hello world!")
	c := NewSourceCombination(0, payload)
	if c.IsCoded() {
		t.Fatalf("source combination reported coded")
	}
	if !bytes.Equal(c.DecodedData(), payload) {
		t.Fatalf("decoded data mismatch")
	}
}

//------------------------------------------------------------
// Sink
//------------------------------------------------------------

func TestSinkSingleBlock(t *testing.T) {
	block := make([]byte, BlockSize)
	copy(block, "hello world!")
	s := NewSink()
	s.SetSizeHint(BlockSize)

	decoded, err := s.Solve(NewSourceCombination(0, block))
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Index != 0 {
		t.Fatalf("decoded %d blocks", len(decoded))
	}
	if !bytes.Equal(decoded[0].Data, block) {
		t.Fatalf("block data mismatch")
	}
	if !s.Complete() {
		t.Fatalf("sink not complete")
	}
}

func TestSinkCodedBlocks(t *testing.T) {
	const n = 8
	blocks := makeBlocks(t, n, 333)
	size := int64((n-1)*BlockSize + 333)
	read := blockReader(blocks)

	s := NewSink()
	s.SetSizeHint(size)

	out := make([][]byte, n)
	received := 0
	prev := int64(0)
	for !s.Complete() {
		if received > 3*n {
			t.Fatalf("needed %d combinations for %d blocks", received, n)
		}
		c, err := GenerateCombination(read, 0, n-1)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		decoded, err := s.Solve(c)
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		received++
		if s.NextDecoded() < prev {
			t.Fatalf("next_decoded went backwards: %d < %d", s.NextDecoded(), prev)
		}
		prev = s.NextDecoded()
		for _, d := range decoded {
			out[d.Index] = d.Data
		}
	}
	for i, b := range blocks {
		if !bytes.Equal(out[i], b) {
			t.Fatalf("block %d mismatch", i)
		}
	}
}

func TestSinkPartialRanges(t *testing.T) {
	// Combinations over sub-ranges still solve the full content.
	const n = 4
	blocks := makeBlocks(t, n, BlockSize)
	read := blockReader(blocks)

	s := NewSink()
	s.SetSizeHint(int64(n * BlockSize))

	ranges := [][2]int64{{0, 1}, {2, 3}, {0, 3}, {1, 2}, {0, 3}, {0, 0}, {3, 3}}
	for _, r := range ranges {
		c, err := GenerateCombination(read, r[0], r[1])
		if err != nil {
			t.Fatalf("generate %v: %v", r, err)
		}
		if _, err := s.Solve(c); err != nil {
			t.Fatalf("solve %v: %v", r, err)
		}
		if s.Complete() {
			return
		}
	}
	// Feed full-range combinations until done.
	for i := 0; i < 8 && !s.Complete(); i++ {
		c, _ := GenerateCombination(read, 0, n-1)
		if _, err := s.Solve(c); err != nil {
			t.Fatalf("solve: %v", err)
		}
	}
	if !s.Complete() {
		t.Fatalf("sink incomplete")
	}
}

func TestSinkRejectsOutOfRange(t *testing.T) {
	s := NewSink()
	s.SetSizeHint(2 * BlockSize) // blocks 0..1
	block := make([]byte, BlockSize)
	if _, err := s.Solve(NewSourceCombination(5, block)); err == nil {
		t.Fatalf("out-of-range combination accepted")
	} else if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestSinkRejectsMalformed(t *testing.T) {
	s := NewSink()
	cases := []*Combination{
		nil,
		{first: 0, coeffs: nil},
		{first: -1, coeffs: []uint8{1}, data: []byte{0, 1, 'x'}},
	}
	for i, c := range cases {
		if _, err := s.Solve(c); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
}

func TestDecodeCombinationRejectsNull(t *testing.T) {
	w := newWireWriter()
	w.WriteUint64(0)
	w.WriteUint16(2)
	w.buf.Write([]byte{0, 0}) // all-zero coefficients
	w.WriteBytes16([]byte{0, 1, 'x'})
	if _, err := DecodeCombination(newWireReader(w.Bytes())); err == nil {
		t.Fatalf("null combination accepted")
	}
}
