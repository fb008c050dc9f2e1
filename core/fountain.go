package core

// Fountain codec. Content blocks are combined linearly over GF(2⁸) (AES
// polynomial 0x11b); a sink accumulates combinations in row-echelon form and
// emits blocks as soon as they fully decode. The two leading bytes of every
// data vector carry the decoded payload length, unconditionally.

import (
	"crypto/rand"
	"fmt"
)

const (
	// BlockSize is the content-addressed unit. Every block is exactly this
	// size except the last block of a content.
	BlockSize = 1024

	// combinationOverhead is the length prefix carried in each data vector.
	combinationOverhead = 2

	maxCombinationData = BlockSize + combinationOverhead
)

//---------------------------------------------------------------------
// GF(2⁸) arithmetic
//---------------------------------------------------------------------

func gfAdd(a, b uint8) uint8 { return a ^ b }

func gfMul(a, b uint8) uint8 {
	var p uint8
	for i := 0; i < 8; i++ {
		if b&1 != 0 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b // x^8 modulo x^8 + x^4 + x^3 + x + 1
		}
		b >>= 1
	}
	return p
}

// gfInv finds the multiplicative inverse by exhaustive search. Coefficient
// vectors stay short, so this is not on any hot path that matters.
func gfInv(a uint8) uint8 {
	if a == 0 {
		panic("gfInv: zero has no inverse")
	}
	for b := 1; b < 256; b++ {
		if gfMul(a, uint8(b)) == 1 {
			return uint8(b)
		}
	}
	panic("gfInv: unreachable")
}

//---------------------------------------------------------------------
// Combination
//---------------------------------------------------------------------

// Combination is a linear combination of a contiguous range of source
// blocks: the index of the first component, a dense coefficient vector and
// the combined data vector.
type Combination struct {
	first  int64
	coeffs []uint8
	data   []byte
}

// NewSourceCombination wraps one raw block as the trivial combination with a
// single unit coefficient. The data vector is prefixed with the block size.
func NewSourceCombination(index int64, block []byte) *Combination {
	data := make([]byte, combinationOverhead+len(block))
	data[0] = byte(len(block) >> 8)
	data[1] = byte(len(block))
	copy(data[combinationOverhead:], block)
	return &Combination{first: index, coeffs: []uint8{1}, data: data}
}

func (c *Combination) Clone() *Combination {
	return &Combination{
		first:  c.first,
		coeffs: append([]uint8(nil), c.coeffs...),
		data:   append([]byte(nil), c.data...),
	}
}

// trim drops leading and trailing zero coefficients.
func (c *Combination) trim() {
	start := 0
	for start < len(c.coeffs) && c.coeffs[start] == 0 {
		start++
	}
	end := len(c.coeffs)
	for end > start && c.coeffs[end-1] == 0 {
		end--
	}
	c.first += int64(start)
	c.coeffs = c.coeffs[start:end]
	if len(c.coeffs) == 0 {
		c.first = 0
		c.coeffs = nil
	}
}

func (c *Combination) FirstComponent() int64 { return c.first }

func (c *Combination) LastComponent() int64 {
	if len(c.coeffs) == 0 {
		return c.first
	}
	return c.first + int64(len(c.coeffs)) - 1
}

// ComponentsCount is the dense width of the combination, interior zeros
// included.
func (c *Combination) ComponentsCount() int { return len(c.coeffs) }

func (c *Combination) Coeff(i int64) uint8 {
	if i < c.first || i >= c.first+int64(len(c.coeffs)) {
		return 0
	}
	return c.coeffs[i-c.first]
}

// IsCoded reports whether the combination is anything other than a single
// block with a unit coefficient.
func (c *Combination) IsCoded() bool {
	return len(c.coeffs) != 1 || c.coeffs[0] != 1
}

// AddScaled folds other*coeff into the combination.
func (c *Combination) AddScaled(other *Combination, coeff uint8) {
	if coeff == 0 || len(other.coeffs) == 0 {
		return
	}

	// Align coefficient ranges.
	first := c.first
	if len(c.coeffs) == 0 {
		first = other.first
	} else if other.first < first {
		first = other.first
	}
	last := c.LastComponent()
	if len(c.coeffs) == 0 || other.LastComponent() > last {
		last = other.LastComponent()
	}
	width := int(last - first + 1)
	coeffs := make([]uint8, width)
	for i, v := range c.coeffs {
		coeffs[c.first-first+int64(i)] = v
	}
	for i, v := range other.coeffs {
		j := other.first - first + int64(i)
		coeffs[j] = gfAdd(coeffs[j], gfMul(v, coeff))
	}
	c.first = first
	c.coeffs = coeffs

	// Combine data vectors; the longer one dominates.
	if len(other.data) > len(c.data) {
		grown := make([]byte, len(other.data))
		copy(grown, c.data)
		c.data = grown
	}
	for i, v := range other.data {
		c.data[i] = gfAdd(c.data[i], gfMul(v, coeff))
	}
	c.trim()
	if len(c.coeffs) == 0 {
		c.data = nil
	}
}

// Scale multiplies the combination by a non-zero coefficient.
func (c *Combination) Scale(coeff uint8) {
	for i := range c.coeffs {
		c.coeffs[i] = gfMul(c.coeffs[i], coeff)
	}
	for i := range c.data {
		c.data[i] = gfMul(c.data[i], coeff)
	}
}

// Normalize divides by the leading coefficient.
func (c *Combination) Normalize() {
	if len(c.coeffs) == 0 || c.coeffs[0] == 1 {
		return
	}
	c.Scale(gfInv(c.coeffs[0]))
}

// DecodedData returns the payload of a fully-decoded combination, stripped
// of the length prefix, or nil while still coded.
func (c *Combination) DecodedData() []byte {
	if c.IsCoded() || len(c.data) < combinationOverhead {
		return nil
	}
	size := int(c.data[0])<<8 | int(c.data[1])
	if size > len(c.data)-combinationOverhead {
		size = len(c.data) - combinationOverhead
	}
	return c.data[combinationOverhead : combinationOverhead+size]
}

// EncodeTo serializes the combination.
func (c *Combination) EncodeTo(w *wireWriter) error {
	if c.first < 0 || len(c.coeffs) > 0xffff {
		return fmt.Errorf("%w: combination shape", ErrProtocol)
	}
	w.WriteUint64(uint64(c.first))
	w.WriteUint16(uint16(len(c.coeffs)))
	w.buf.Write(c.coeffs)
	return w.WriteBytes16(c.data)
}

// DecodeCombination parses a combination and validates its shape.
func DecodeCombination(r *wireReader) (*Combination, error) {
	first, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	if first > 1<<62 {
		return nil, fmt.Errorf("%w: combination index", ErrProtocol)
	}
	count, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	coeffs, err := r.read(int(count))
	if err != nil {
		return nil, err
	}
	data, err := r.ReadBytes16()
	if err != nil {
		return nil, err
	}
	if len(data) > maxCombinationData {
		return nil, fmt.Errorf("%w: combination data size %d", ErrProtocol, len(data))
	}
	c := &Combination{first: int64(first), coeffs: coeffs, data: data}
	c.trim()
	if len(c.coeffs) == 0 {
		return nil, fmt.Errorf("%w: null combination", ErrProtocol)
	}
	return c, nil
}

//---------------------------------------------------------------------
// Sink
//---------------------------------------------------------------------

// DecodedBlock is one block recovered by a solve pass.
type DecodedBlock struct {
	Index int64
	Data  []byte
}

// Sink is the per-digest decoder: received combinations in row-echelon form,
// the index of the next block expected to decode, and already-decoded rows
// kept around to reduce late arrivals.
type Sink struct {
	rows        []*Combination
	known       map[int64]*Combination
	nextDecoded int64
	nextSeen    int64

	size       int64 // content size hint, -1 while unknown
	blockCount int64
}

func NewSink() *Sink {
	return &Sink{known: make(map[int64]*Combination), size: -1}
}

// NextDecoded is monotone non-decreasing.
func (s *Sink) NextDecoded() int64 { return s.nextDecoded }

func (s *Sink) NextSeen() int64 { return s.nextSeen }

// SetSizeHint records the total content size once learned from a source.
func (s *Sink) SetSizeHint(size int64) {
	if size < 0 || s.size >= 0 {
		return
	}
	s.size = size
	s.blockCount = (size + BlockSize - 1) / BlockSize
	if s.blockCount == 0 {
		s.blockCount = 1
	}
}

func (s *Sink) Size() int64 { return s.size }

// Complete reports whether every block of the content has decoded.
func (s *Sink) Complete() bool {
	return s.size >= 0 && s.nextDecoded >= s.blockCount
}

// Solve absorbs one combination and returns the blocks it completed, in
// order. A combination outside the expected component range is adversarial
// and surfaces as ErrProtocol.
func (s *Sink) Solve(c *Combination) ([]DecodedBlock, error) {
	if c == nil || len(c.coeffs) == 0 || len(c.data) > maxCombinationData {
		return nil, fmt.Errorf("%w: malformed combination", ErrProtocol)
	}
	if c.first < 0 {
		return nil, fmt.Errorf("%w: negative component index", ErrProtocol)
	}
	if s.blockCount > 0 && c.LastComponent() >= s.blockCount {
		return nil, fmt.Errorf("%w: component %d beyond range %d", ErrProtocol, c.LastComponent(), s.blockCount)
	}

	c = c.Clone()

	// Suppress already-decoded components.
	for i := c.FirstComponent(); i <= c.LastComponent(); i++ {
		if u, ok := s.known[i]; ok {
			if coeff := c.Coeff(i); coeff != 0 {
				c.AddScaled(u, coeff)
			}
		}
	}
	if len(c.coeffs) == 0 {
		metricCombinations.WithLabelValues("redundant").Inc()
		return nil, nil
	}

	s.rows = append(s.rows, c)
	s.eliminate()
	decoded := s.extract()
	if len(decoded) > 0 {
		metricCombinations.WithLabelValues("useful").Inc()
	} else {
		metricCombinations.WithLabelValues("held").Inc()
	}
	return decoded, nil
}

// eliminate restores row-echelon form by Gauss–Jordan elimination: each
// pivot row is normalized and its leading component suppressed from every
// other row; leading columns strictly increase down the rows.
func (s *Sink) eliminate() {
	for k := 0; k < len(s.rows); k++ {
		// Pivot column: smallest first component among remaining rows.
		pivot := int64(-1)
		for _, r := range s.rows[k:] {
			if len(r.coeffs) == 0 {
				continue
			}
			if pivot < 0 || r.FirstComponent() < pivot {
				pivot = r.FirstComponent()
			}
		}
		if pivot < 0 {
			break
		}
		j := k
		for j < len(s.rows) && s.rows[j].Coeff(pivot) == 0 {
			j++
		}
		if j == len(s.rows) {
			continue
		}
		s.rows[j], s.rows[k] = s.rows[k], s.rows[j]
		s.rows[k].Normalize()
		for l := range s.rows {
			if l == k {
				continue
			}
			if coeff := s.rows[l].Coeff(pivot); coeff != 0 {
				s.rows[l].AddScaled(s.rows[k], coeff)
			}
		}
	}

	// Drop null rows.
	kept := s.rows[:0]
	for _, r := range s.rows {
		if len(r.coeffs) != 0 {
			kept = append(kept, r)
		}
	}
	s.rows = kept
}

// extract pulls out every row that fully decoded, repeating until no
// progress. nextDecoded only ever increases.
func (s *Sink) extract() []DecodedBlock {
	var out []DecodedBlock
	for {
		progress := false
		kept := s.rows[:0]
		for _, r := range s.rows {
			if r.FirstComponent() >= s.nextSeen {
				s.nextSeen = r.FirstComponent() + 1
			}
			if r.FirstComponent() == s.nextDecoded && r.ComponentsCount() == 1 {
				r.Normalize()
				data := r.DecodedData()
				out = append(out, DecodedBlock{Index: r.FirstComponent(), Data: append([]byte(nil), data...)})
				s.known[r.FirstComponent()] = r
				s.nextDecoded = r.FirstComponent() + 1
				metricBlocksDecoded.Inc()
				progress = true
				continue
			}
			kept = append(kept, r)
		}
		s.rows = kept
		if !progress {
			return out
		}
	}
}

//---------------------------------------------------------------------
// Generation
//---------------------------------------------------------------------

// GenerateCombination produces one random combination over the block range
// [first, last]. Coefficients are uniform; the all-zero vector is never
// emitted.
func GenerateCombination(read func(i int64) ([]byte, error), first, last int64) (*Combination, error) {
	if last < first {
		return nil, fmt.Errorf("%w: empty range", ErrProtocol)
	}
	width := int(last - first + 1)
	for {
		coeffs := make([]uint8, width)
		if _, err := rand.Read(coeffs); err != nil {
			return nil, err
		}
		zero := true
		for _, v := range coeffs {
			if v != 0 {
				zero = false
				break
			}
		}
		if zero {
			continue
		}

		c := &Combination{}
		for i := first; i <= last; i++ {
			coeff := coeffs[i-first]
			if coeff == 0 {
				continue
			}
			block, err := read(i)
			if err != nil {
				return nil, err
			}
			c.AddScaled(NewSourceCombination(i, block), coeff)
		}
		if len(c.coeffs) == 0 {
			continue
		}
		return c, nil
	}
}
