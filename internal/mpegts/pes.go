package mpegts

// PES stream IDs.
const (
	StreamIDPrivate1 = 0xBD
	StreamIDPadding  = 0xBE
	StreamIDPrivate2 = 0xBF
)

// PESPacket is a view over a reassembled PES packet.
type PESPacket struct {
	Data []byte
}

// IsPESStart reports whether data begins with the PES start code prefix.
func IsPESStart(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream_id carries the optional PES
// header: everything except program_stream_map, padding, private_stream_2,
// ECM, EMM, DSMCC, H.222.1 type E and program_stream_directory.
func hasOptionalHeader(streamID byte) bool {
	switch streamID {
	case 0xBC, StreamIDPadding, StreamIDPrivate2, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// Parse reports whether the fixed and optional headers fit the data.
func (p PESPacket) Parse() bool {
	if len(p.Data) < 6 || !IsPESStart(p.Data) {
		return false
	}
	if !hasOptionalHeader(p.StreamID()) {
		return true
	}
	if len(p.Data) < 9 {
		return false
	}
	return 9+p.HeaderDataLength() <= len(p.Data)
}

// Check reports whether the packet is usable as an elementary stream
// carrier: an optional header with the '10' marker, room for the announced
// timestamps, and a PES_packet_length that matches the reassembled size.
func (p PESPacket) Check() bool {
	if !p.Parse() || !hasOptionalHeader(p.StreamID()) {
		return false
	}
	if p.Data[6]>>6 != 0x02 {
		return false
	}
	if n := p.PacketLength(); n != 0 && n+6 != len(p.Data) {
		return false
	}
	need := 0
	switch p.PTSDTSFlags() {
	case 0x01:
		return false
	case 0x02:
		need = 5
	case 0x03:
		need = 10
	}
	return need <= p.HeaderDataLength()
}

// StreamID returns stream_id.
func (p PESPacket) StreamID() byte { return p.Data[3] }

// PacketLength returns PES_packet_length.
func (p PESPacket) PacketLength() int { return int(p.Data[4])<<8 | int(p.Data[5]) }

// ScramblingControl returns PES_scrambling_control.
func (p PESPacket) ScramblingControl() uint8 { return (p.Data[6] >> 4) & 0x03 }

// DataAlignment returns data_alignment_indicator.
func (p PESPacket) DataAlignment() bool { return p.Data[6]&0x04 != 0 }

// PTSDTSFlags returns PTS_DTS_flags.
func (p PESPacket) PTSDTSFlags() uint8 { return p.Data[7] >> 6 }

// HasPTS reports whether a PTS is present.
func (p PESPacket) HasPTS() bool { return p.PTSDTSFlags()&0x02 != 0 }

// HasDTS reports whether a DTS is present.
func (p PESPacket) HasDTS() bool { return p.PTSDTSFlags() == 0x03 }

// HeaderDataLength returns PES_header_data_length.
func (p PESPacket) HeaderDataLength() int { return int(p.Data[8]) }

// PTS returns the 33-bit presentation timestamp, or -1.
func (p PESPacket) PTS() int64 {
	if !p.HasPTS() {
		return -1
	}
	return ReadTimestamp(p.Data[9:14])
}

// DTS returns the 33-bit decoding timestamp. When absent it equals the PTS.
func (p PESPacket) DTS() int64 {
	if !p.HasDTS() {
		return p.PTS()
	}
	return ReadTimestamp(p.Data[14:19])
}

// SetPTS rewrites the PTS in place. It is a no-op when no PTS is present.
func (p PESPacket) SetPTS(pts int64) {
	if !p.HasPTS() {
		return
	}
	WriteTimestamp(p.Data[9:14], p.PTSDTSFlags(), pts)
}

// SetDTS rewrites the DTS in place. It is a no-op when no DTS is present.
func (p PESPacket) SetDTS(dts int64) {
	if !p.HasDTS() {
		return
	}
	WriteTimestamp(p.Data[14:19], 0x01, dts)
}

// Payload returns the elementary stream bytes after the PES header.
func (p PESPacket) Payload() []byte {
	if !hasOptionalHeader(p.StreamID()) {
		return p.Data[6:]
	}
	return p.Data[9+p.HeaderDataLength():]
}

// ReadTimestamp decodes a 33-bit timestamp from its 5-byte PES encoding.
func ReadTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}

// WriteTimestamp encodes ts into the 5-byte PES encoding with the given
// 4-bit prefix (0x2 for PTS only, 0x3 for PTS with DTS, 0x1 for DTS).
func WriteTimestamp(b []byte, prefix uint8, ts int64) {
	ts &= PTSWrap - 1
	b[0] = prefix<<4 | byte(ts>>30&0x07)<<1 | 0x01
	b[1] = byte(ts >> 22)
	b[2] = byte(ts>>15&0x7F)<<1 | 0x01
	b[3] = byte(ts >> 7)
	b[4] = byte(ts&0x7F)<<1 | 0x01
}
