package core

// Wire codec – primitive readers and writers for the overlay frame format
// and the upper-layer payloads riding inside it. All integers are
// big-endian; byte sequences are length-prefixed with 16 bits up to 64 KiB
// and 32 bits beyond. There is no alignment padding.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame type – governs routing.
const (
	TypeForward   uint8 = 0
	TypeBroadcast uint8 = 1
	TypeLookup    uint8 = 2
)

// Frame content – selects the upper-layer handler.
const (
	ContentEmpty     uint8 = 0
	ContentTunnel    uint8 = 1
	ContentNotify    uint8 = 2
	ContentAck       uint8 = 3
	ContentCall      uint8 = 4
	ContentData      uint8 = 5
	ContentCancel    uint8 = 6
	ContentPublish   uint8 = 7
	ContentSubscribe uint8 = 8

	contentMax = ContentSubscribe
)

// Frame flags.
const (
	// FlagCookie marks a Tunnel payload carrying a 16-byte accept cookie
	// right after the tunnel id.
	FlagCookie uint8 = 0x01

	// FlagPairing marks a Tunnel frame belonging to a pre-shared-key
	// pairing handshake rather than a certificate session.
	FlagPairing uint8 = 0x02
)

const (
	// MessageVersion is the only wire version understood.
	MessageVersion uint8 = 0

	// MaxHops bounds frame forwarding; frames at or beyond it are dropped.
	MaxHops uint16 = 16

	// MaxPayloadSize is fixed by the 16-bit payload length field.
	MaxPayloadSize = math.MaxUint16

	// messageHeaderSize: version, flags, type, content, hops(2),
	// payload_length(2), source(32), destination(32).
	messageHeaderSize = 8 + 2*IdentifierSize
)

// Message is one overlay frame.
type Message struct {
	Version     uint8
	Flags       uint8
	Type        uint8
	Content     uint8
	Hops        uint16
	Source      Identifier
	Destination Identifier
	Payload     []byte
}

// NewMessage assembles a frame ready for routing.
func NewMessage(mtype, content uint8, source, destination Identifier, payload []byte) *Message {
	return &Message{
		Version:     MessageVersion,
		Type:        mtype,
		Content:     content,
		Source:      source,
		Destination: destination,
		Payload:     payload,
	}
}

// WriteTo encodes the frame.
func (m *Message) WriteTo(w io.Writer) error {
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload size %d", ErrProtocol, len(m.Payload))
	}
	var hdr [messageHeaderSize]byte
	hdr[0] = m.Version
	hdr[1] = m.Flags
	hdr[2] = m.Type
	hdr[3] = m.Content
	binary.BigEndian.PutUint16(hdr[4:6], m.Hops)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(m.Payload)))
	copy(hdr[8:8+IdentifierSize], m.Source[:])
	copy(hdr[8+IdentifierSize:], m.Destination[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom decodes one frame. Returns ErrProtocol on a malformed header.
func (m *Message) ReadFrom(r io.Reader) error {
	var hdr [messageHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	m.Version = hdr[0]
	if m.Version != MessageVersion {
		return fmt.Errorf("%w: version %d", ErrProtocol, m.Version)
	}
	m.Flags = hdr[1]
	m.Type = hdr[2]
	m.Content = hdr[3]
	m.Hops = binary.BigEndian.Uint16(hdr[4:6])
	length := binary.BigEndian.Uint16(hdr[6:8])
	copy(m.Source[:], hdr[8:8+IdentifierSize])
	copy(m.Destination[:], hdr[8+IdentifierSize:])
	m.Payload = make([]byte, int(length))
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return err
	}
	return nil
}

// Marshal encodes the frame to a fresh buffer.
func (m *Message) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(messageHeaderSize + len(m.Payload))
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalMessage decodes a frame from a buffer.
func UnmarshalMessage(b []byte) (*Message, error) {
	m := new(Message)
	if err := m.ReadFrom(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return m, nil
}

//---------------------------------------------------------------------
// Payload primitives
//---------------------------------------------------------------------

// wireWriter serializes payload fields.
type wireWriter struct {
	buf bytes.Buffer
}

func newWireWriter() *wireWriter { return new(wireWriter) }

func (w *wireWriter) Bytes() []byte { return w.buf.Bytes() }

func (w *wireWriter) WriteUint8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *wireWriter) WriteUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *wireWriter) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *wireWriter) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *wireWriter) WriteIdentifier(id Identifier) {
	w.buf.Write(id[:])
}

// WriteBytes16 writes a 16-bit length prefix followed by the bytes.
func (w *wireWriter) WriteBytes16(b []byte) error {
	if len(b) > math.MaxUint16 {
		return fmt.Errorf("%w: field size %d", ErrProtocol, len(b))
	}
	w.WriteUint16(uint16(len(b)))
	w.buf.Write(b)
	return nil
}

// WriteBytes32 writes a 32-bit length prefix followed by the bytes.
func (w *wireWriter) WriteBytes32(b []byte) error {
	if uint64(len(b)) > math.MaxUint32 {
		return fmt.Errorf("%w: field size %d", ErrProtocol, len(b))
	}
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
	return nil
}

func (w *wireWriter) WriteString16(s string) error {
	return w.WriteBytes16([]byte(s))
}

// wireReader deserializes payload fields. Short reads surface as
// ErrProtocol so malformed payloads penalize the sender.
type wireReader struct {
	r *bytes.Reader
}

func newWireReader(b []byte) *wireReader {
	return &wireReader{r: bytes.NewReader(b)}
}

func (r *wireReader) Remaining() int { return r.r.Len() }

func (r *wireReader) read(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, fmt.Errorf("%w: truncated field", ErrProtocol)
	}
	return b, nil
}

func (r *wireReader) ReadUint8() (uint8, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: truncated field", ErrProtocol)
	}
	return b, nil
}

func (r *wireReader) ReadUint16() (uint16, error) {
	b, err := r.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *wireReader) ReadUint32() (uint32, error) {
	b, err := r.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *wireReader) ReadUint64() (uint64, error) {
	b, err := r.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *wireReader) ReadIdentifier() (Identifier, error) {
	b, err := r.read(IdentifierSize)
	if err != nil {
		return NilIdentifier, err
	}
	return NewIdentifier(b)
}

func (r *wireReader) ReadBytes16() ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	return r.read(int(n))
}

func (r *wireReader) ReadBytes32() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.r.Len()) {
		return nil, fmt.Errorf("%w: oversize field", ErrProtocol)
	}
	return r.read(int(n))
}

func (r *wireReader) ReadString16() (string, error) {
	b, err := r.ReadBytes16()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
