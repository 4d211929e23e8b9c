package mpegts

// PacketParser cuts an arbitrary byte stream into transport stream packets,
// resynchronising on the sync byte after corruption. Packets passed to the
// callback alias the parser's buffers and are only valid during the call.
type PacketParser struct {
	onPacket func(Packet)

	tail   []byte
	synced bool

	// Resyncs counts sync losses after the first lock.
	Resyncs int
	// SkippedBytes counts bytes discarded while searching for sync.
	SkippedBytes int64
	// Invalid counts packets dropped by Parse or Check.
	Invalid int64
}

// NewPacketParser returns a parser that calls fn for every valid packet.
func NewPacketParser(fn func(Packet)) *PacketParser {
	return &PacketParser{onPacket: fn}
}

// InputTsData feeds the next chunk of the stream.
func (pp *PacketParser) InputTsData(data []byte) {
	if len(pp.tail) > 0 {
		pp.tail = append(pp.tail, data...)
		data = pp.tail
	}
	n := pp.parse(data)
	rest := data[n:]
	if len(pp.tail) > 0 {
		k := copy(pp.tail, rest)
		pp.tail = pp.tail[:k]
	} else {
		pp.tail = append(pp.tail, rest...)
	}
}

// Flush discards a trailing partial packet.
func (pp *PacketParser) Flush() {
	pp.SkippedBytes += int64(len(pp.tail))
	pp.tail = pp.tail[:0]
}

// Reset drops buffered data and sync state.
func (pp *PacketParser) Reset() {
	pp.tail = pp.tail[:0]
	pp.synced = false
}

func (pp *PacketParser) parse(data []byte) int {
	i := 0
	for len(data)-i >= PacketSize {
		if data[i] != SyncByte || (!pp.synced && !syncAt(data, i+PacketSize)) {
			if pp.synced {
				pp.Resyncs++
				pp.synced = false
			}
			j := i + 1
			for ; len(data)-j >= PacketSize; j++ {
				if data[j] == SyncByte && syncAt(data, j+PacketSize) {
					break
				}
			}
			pp.SkippedBytes += int64(j - i)
			i = j
			continue
		}
		pp.synced = true
		p := Packet{Data: data[i : i+PacketSize]}
		if p.Parse() && p.Check() {
			pp.onPacket(p)
		} else {
			pp.Invalid++
		}
		i += PacketSize
	}
	return i
}

// syncAt reports whether the byte at i is a sync byte, treating the end of
// the available data as a match.
func syncAt(data []byte, i int) bool {
	return i >= len(data) || data[i] == SyncByte
}

// PacketBuffer keeps copies of packets in one contiguous slab so they can
// be replayed in arrival order.
type PacketBuffer struct {
	data  []byte
	limit int
}

// NewPacketBuffer returns a buffer holding at most limit packets.
func NewPacketBuffer(limit int) *PacketBuffer {
	return &PacketBuffer{limit: limit}
}

// Add copies p into the buffer. It returns false when the buffer is full.
func (b *PacketBuffer) Add(p Packet) bool {
	if b.Len() >= b.limit {
		return false
	}
	b.data = append(b.data, p.Data[:PacketSize]...)
	return true
}

// Len returns the number of buffered packets.
func (b *PacketBuffer) Len() int {
	return len(b.data) / PacketSize
}

// Replay calls fn for every buffered packet in order, stopping at the
// first error.
func (b *PacketBuffer) Replay(fn func(Packet) error) error {
	for off := 0; off+PacketSize <= len(b.data); off += PacketSize {
		p := Packet{Data: b.data[off : off+PacketSize]}
		p.Parse()
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// Release frees the buffered packets.
func (b *PacketBuffer) Release() {
	b.data = nil
}
