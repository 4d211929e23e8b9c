package bits

// Writer writes bits MSB-first into a growing byte slice.
type Writer struct {
	data   []byte
	bitPos int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// PutBit appends a single bit.
func (w *Writer) PutBit(v bool) {
	if w.bitPos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if v {
		w.data[w.bitPos/8] |= 1 << uint(7-w.bitPos%8)
	}
	w.bitPos++
}

// PutBits appends the low n bits of v.
func (w *Writer) PutBits(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		w.PutBit((v>>uint(i))&1 == 1)
	}
}

// PutUE appends an unsigned Exp-Golomb code.
func (w *Writer) PutUE(v uint) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.PutBits(n, 0)
	w.PutBits(n+1, x)
}

// PutSE appends a signed Exp-Golomb code.
func (w *Writer) PutSE(v int) {
	if v <= 0 {
		w.PutUE(uint(-v * 2))
	} else {
		w.PutUE(uint(v*2 - 1))
	}
}

// PutBytes appends whole bytes.
func (w *Writer) PutBytes(b []byte) {
	for _, v := range b {
		w.PutBits(8, uint64(v))
	}
}

// Len returns the number of bits written.
func (w *Writer) Len() int {
	return w.bitPos
}

// Bytes returns the written data, zero-padded to a byte boundary.
func (w *Writer) Bytes() []byte {
	return w.data
}

// TrailingBits appends rbsp_trailing_bits: a stop bit followed by zero
// padding to the next byte boundary.
func (w *Writer) TrailingBits() {
	w.PutBit(true)
	for w.bitPos%8 != 0 {
		w.PutBit(false)
	}
}
