// Package bits provides MSB-first bit and byte readers used by the codec
// header parsers (H.264 SPS/SEI/slice headers, MPEG-2 sequence and picture
// headers) and by the ARIB caption and SI decoders.
package bits

import "errors"

// ErrShortRead is returned when a read runs past the end of the data.
var ErrShortRead = errors.New("bits: read past end of data")

// Reader reads bits MSB-first from a byte slice.
type Reader struct {
	data   []byte
	bitPos int
}

// NewReader returns a Reader positioned at the first bit of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// BitsLeft returns the number of unread bits.
func (r *Reader) BitsLeft() int {
	total := len(r.data) * 8
	if r.bitPos > total {
		return 0
	}
	return total - r.bitPos
}

// Pos returns the current bit position.
func (r *Reader) Pos() int {
	return r.bitPos
}

// ByteAligned reports whether the reader sits on a byte boundary.
func (r *Reader) ByteAligned() bool {
	return r.bitPos%8 == 0
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() (uint, error) {
	if r.bitPos >= len(r.data)*8 {
		return 0, ErrShortRead
	}
	v := uint(r.data[r.bitPos/8]>>(7-uint(r.bitPos%8))) & 1
	r.bitPos++
	return v, nil
}

// ReadFlag reads a single bit as a bool.
func (r *Reader) ReadFlag() (bool, error) {
	b, err := r.ReadBit()
	return b == 1, err
}

// ReadBits reads n bits (n <= 32) as an unsigned value.
func (r *Reader) ReadBits(n int) (uint, error) {
	v, err := r.ReadBits64(n)
	return uint(v), err
}

// ReadBits64 reads n bits (n <= 64) as an unsigned value.
func (r *Reader) ReadBits64(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, ErrShortRead
	}
	if r.BitsLeft() < n {
		r.bitPos = len(r.data) * 8
		return 0, ErrShortRead
	}
	var v uint64
	for n > 0 {
		// Take as many bits as remain in the current byte.
		off := r.bitPos % 8
		avail := 8 - off
		take := avail
		if take > n {
			take = n
		}
		b := uint64(r.data[r.bitPos/8]) >> uint(avail-take) & (1<<uint(take) - 1)
		v = v<<uint(take) | b
		r.bitPos += take
		n -= take
	}
	return v, nil
}

// Skip advances the reader by n bits.
func (r *Reader) Skip(n int) error {
	if r.BitsLeft() < n {
		r.bitPos = len(r.data) * 8
		return ErrShortRead
	}
	r.bitPos += n
	return nil
}

// ReadUE reads an unsigned Exp-Golomb code.
func (r *Reader) ReadUE() (uint, error) {
	zeros := 0
	for {
		b, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, ErrShortRead
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := r.ReadBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << uint(zeros)) - 1 + suffix, nil
}

// ReadSE reads a signed Exp-Golomb code.
func (r *Reader) ReadSE() (int, error) {
	v, err := r.ReadUE()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int(v / 2), nil
	}
	return int((v + 1) / 2), nil
}

// RemoveEmulationPrevention strips H.264 emulation prevention bytes
// (0x00 0x00 0x03 -> 0x00 0x00) from a NAL unit payload.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
