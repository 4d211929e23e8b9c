package mpegts

import "encoding/binary"

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F) // payload only
	if pusi {
		buf[1] |= 0x40
	}
	for i := 4; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	copy(buf[4:], payload)
	return buf
}

func makePacketWithAF(pid uint16, cc uint8, afLen int, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	if len(payload) > 0 {
		buf[3] = 0x30 | (cc & 0x0F) // adaptation + payload
	} else {
		buf[3] = 0x20 | (cc & 0x0F) // adaptation only
	}
	buf[4] = byte(afLen)
	offset := 5 + afLen
	if offset < PacketSize {
		copy(buf[offset:], payload)
	}
	return buf
}

// makePCRPacket builds an adaptation-only packet carrying pcr.
func makePCRPacket(pid uint16, pcr int64, discontinuity bool) []byte {
	buf := makePacketWithAF(pid, 0, 183, nil)
	buf[5] = 0x10
	if discontinuity {
		buf[5] |= 0x80
	}
	PutPCR(buf[6:12], pcr)
	for i := 12; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

func mustPacket(buf []byte) Packet {
	p, ok := NewPacket(buf)
	if !ok {
		panic("bad test packet")
	}
	return p
}

// sectionPacket wraps a single section in a PUSI packet with pointer 0.
func sectionPacket(pid uint16, cc uint8, section []byte) []byte {
	return makePacket(pid, cc, true, append([]byte{0x00}, section...))
}

// buildLongSection wraps body in a long-form section header and CRC.
func buildLongSection(tableID byte, ext uint16, version uint8, body []byte) []byte {
	sectionLength := 5 + len(body) + 4
	data := make([]byte, 8, 3+sectionLength)
	data[0] = tableID
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], ext)
	data[5] = 0xC1 | (version&0x1F)<<1
	data = append(data, body...)
	return AppendCRC32(data)
}

type program struct{ num, pid uint16 }

func buildPAT(tsID uint16, programs []program) []byte {
	var body []byte
	for _, p := range programs {
		body = append(body, byte(p.num>>8), byte(p.num), 0xE0|byte(p.pid>>8)&0x1F, byte(p.pid))
	}
	return buildLongSection(TableIDPAT, tsID, 0, body)
}

type esEntry struct {
	streamType  uint8
	pid         uint16
	descriptors []byte
}

func buildPMT(programNum, pcrPID uint16, version uint8, streams []esEntry) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00}
	for _, s := range streams {
		body = append(body, s.streamType, 0xE0|byte(s.pid>>8)&0x1F, byte(s.pid),
			0xF0|byte(len(s.descriptors)>>8)&0x0F, byte(len(s.descriptors)))
		body = append(body, s.descriptors...)
	}
	return buildLongSection(TableIDPMT, programNum, version, body)
}

// captionDescriptor is a stream identifier descriptor with the given
// component tag.
func captionDescriptor(tag byte) []byte {
	return []byte{DescTagStreamIdentifier, 1, tag}
}

func encodePTS(prefix byte, pts int64) []byte {
	b := make([]byte, 5)
	WriteTimestamp(b, prefix, pts)
	return b
}

// buildPES builds a bounded PES packet with an optional PTS (pts < 0 means
// none) and DTS (dts < 0 means none).
func buildPES(streamID byte, pts, dts int64, payload []byte) []byte {
	var hdr []byte
	flags := byte(0)
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		hdr = append(encodePTS(0x3, pts), encodePTS(0x1, dts)...)
	case pts >= 0:
		flags = 0x80
		hdr = encodePTS(0x2, pts)
	}
	n := 3 + len(hdr) + len(payload)
	out := []byte{0x00, 0x00, 0x01, streamID, byte(n >> 8), byte(n), 0x80, flags, byte(len(hdr))}
	out = append(out, hdr...)
	return append(out, payload...)
}

// packetize splits data into packets on pid with stuffing in the last
// packet's adaptation field.
func packetize(pid uint16, cc *uint8, data []byte) [][]byte {
	var out [][]byte
	first := true
	for len(data) > 0 {
		n := min(len(data), PacketSize-4)
		var pkt []byte
		if n == PacketSize-4 {
			pkt = makePacket(pid, *cc, first, data[:n])
		} else {
			pkt = makePacketWithAF(pid, *cc, PacketSize-5-n, data[:n])
			if first {
				pkt[1] |= 0x40
			}
			if PacketSize-5-n > 0 {
				pkt[5] = 0x00
				for i := 6; i < 5+PacketSize-5-n; i++ {
					pkt[i] = 0xFF
				}
			}
		}
		out = append(out, pkt)
		data = data[n:]
		*cc = (*cc + 1) & 0x0F
		first = false
	}
	return out
}
