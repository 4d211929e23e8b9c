package bits

// ByteReader reads big-endian fields from a byte slice. Reads past the end
// return zero and set a sticky overflow flag, so callers can decode a whole
// structure and check Overflow once.
type ByteReader struct {
	data     []byte
	pos      int
	overflow bool
}

// NewByteReader returns a ByteReader over data.
func NewByteReader(data []byte) *ByteReader {
	return &ByteReader{data: data}
}

// Overflow reports whether any read ran past the end of the data.
func (r *ByteReader) Overflow() bool {
	return r.overflow
}

// Pos returns the current byte offset.
func (r *ByteReader) Pos() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *ByteReader) Remaining() int {
	if r.pos >= len(r.data) {
		return 0
	}
	return len(r.data) - r.pos
}

func (r *ByteReader) take(n int) []byte {
	if n < 0 || r.pos+n > len(r.data) {
		r.overflow = true
		r.pos = len(r.data)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// U8 reads one byte.
func (r *ByteReader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a big-endian 16-bit value.
func (r *ByteReader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// U24 reads a big-endian 24-bit value.
func (r *ByteReader) U24() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// U32 reads a big-endian 32-bit value.
func (r *ByteReader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Bytes returns the next n bytes without copying.
func (r *ByteReader) Bytes(n int) []byte {
	return r.take(n)
}

// Skip advances by n bytes.
func (r *ByteReader) Skip(n int) {
	r.take(n)
}
