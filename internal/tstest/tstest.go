// Package tstest builds synthetic transport streams for tests: PSI sections,
// PES packets, TS packetization with continuity counters and PCR, and
// minimal H.264, MPEG-2, ADTS and ARIB caption elementary streams.
package tstest

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/zsiec/tsreform/internal/mpegts"
)

// BuildPES builds a PES packet with an optional PTS and DTS (negative means
// absent). The length field is zero when the packet exceeds 65535 bytes.
func BuildPES(streamID byte, pts, dts int64, payload []byte) []byte {
	var hdr []byte
	flags := byte(0)
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0xC0
		hdr = append(timestamp(0x3, pts), timestamp(0x1, dts)...)
	case pts >= 0:
		flags = 0x80
		hdr = timestamp(0x2, pts)
	}
	n := 3 + len(hdr) + len(payload)
	if n > 0xFFFF {
		n = 0
	}
	out := []byte{0x00, 0x00, 0x01, streamID, byte(n >> 8), byte(n), 0x84, flags, byte(len(hdr))}
	out = append(out, hdr...)
	return append(out, payload...)
}

func timestamp(prefix uint8, ts int64) []byte {
	b := make([]byte, 5)
	mpegts.WriteTimestamp(b, prefix, ts)
	return b
}

// Packetize splits data into TS packets on pid, setting
// payload_unit_start_indicator on the first and stuffing the last through
// its adaptation field. cc is advanced per packet.
func Packetize(data []byte, pid uint16, cc *uint8) []byte {
	var result []byte
	first := true
	for len(data) > 0 {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = mpegts.SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		capacity := mpegts.PacketSize - 4
		if len(data) >= capacity {
			copy(pkt[4:], data[:capacity])
			data = data[capacity:]
		} else {
			stuff := capacity - len(data)
			pkt[3] |= 0x20
			pkt[4] = byte(stuff - 1)
			if stuff > 1 {
				pkt[5] = 0
				for i := 6; i < 4+stuff; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuff:], data)
			data = nil
		}
		result = append(result, pkt[:]...)
	}
	return result
}

// Program is a PAT entry.
type Program struct {
	Number uint16
	PID    uint16
}

// ES is a PMT elementary stream entry.
type ES struct {
	Type        uint8
	PID         uint16
	Descriptors []byte
}

// LongSection wraps body in a long-form section header and CRC_32.
func LongSection(tableID byte, ext uint16, version uint8, body []byte) []byte {
	sectionLength := 5 + len(body) + 4
	data := make([]byte, 8, 3+sectionLength)
	data[0] = tableID
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], ext)
	data[5] = 0xC1 | (version&0x1F)<<1
	data = append(data, body...)
	return mpegts.AppendCRC32(data)
}

// PAT builds a program association section.
func PAT(tsid uint16, programs ...Program) []byte {
	var body []byte
	for _, p := range programs {
		body = append(body, byte(p.Number>>8), byte(p.Number), 0xE0|byte(p.PID>>8)&0x1F, byte(p.PID))
	}
	return LongSection(mpegts.TableIDPAT, tsid, 0, body)
}

// PMT builds a program map section.
func PMT(program, pcrPID uint16, version uint8, streams ...ES) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00}
	for _, s := range streams {
		body = append(body, s.Type, 0xE0|byte(s.PID>>8)&0x1F, byte(s.PID),
			0xF0|byte(len(s.Descriptors)>>8)&0x0F, byte(len(s.Descriptors)))
		body = append(body, s.Descriptors...)
	}
	return LongSection(mpegts.TableIDPMT, program, version, body)
}

// StreamIdentifier returns a stream identifier descriptor.
func StreamIdentifier(componentTag byte) []byte {
	return []byte{mpegts.DescTagStreamIdentifier, 1, componentTag}
}

// TDT builds a time and date section.
func TDT(t time.Time) []byte {
	b := []byte{mpegts.TableIDTDT, 0x70, 0x05, 0, 0, 0, 0, 0}
	mpegts.EncodeJST(b[3:], t)
	return b
}

// Stream accumulates TS packets with per-PID continuity counters.
type Stream struct {
	buf bytes.Buffer
	cc  map[uint16]uint8
}

// NewStream returns an empty Stream.
func NewStream() *Stream {
	return &Stream{cc: make(map[uint16]uint8)}
}

func (s *Stream) packetize(pid uint16, data []byte) {
	cc := s.cc[pid]
	s.buf.Write(Packetize(data, pid, &cc))
	s.cc[pid] = cc
}

// Section writes one PSI section starting a new packet (pointer_field 0).
func (s *Stream) Section(pid uint16, section []byte) {
	s.packetize(pid, append([]byte{0x00}, section...))
}

// PES writes one PES packet.
func (s *Stream) PES(pid uint16, pes []byte) {
	s.packetize(pid, pes)
}

// PCR writes an adaptation-only packet carrying pcr in 27 MHz ticks.
func (s *Stream) PCR(pid uint16, pcr int64) {
	var pkt [mpegts.PacketSize]byte
	pkt[0] = mpegts.SyncByte
	pkt[1] = byte(pid>>8) & 0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x20 | s.cc[pid]&0x0F
	pkt[4] = 183
	pkt[5] = 0x10
	mpegts.PutPCR(pkt[6:12], pcr)
	for i := 12; i < len(pkt); i++ {
		pkt[i] = 0xFF
	}
	s.buf.Write(pkt[:])
}

// Scrambled writes n payload packets on pid with transport_scrambling_control
// set to 0b10.
func (s *Stream) Scrambled(pid uint16, n int) {
	for i := 0; i < n; i++ {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = mpegts.SyncByte
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		cc := s.cc[pid]
		pkt[3] = 0x80 | 0x10 | cc
		s.cc[pid] = (cc + 1) & 0x0F
		for j := 4; j < len(pkt); j++ {
			pkt[j] = 0x5A
		}
		s.buf.Write(pkt[:])
	}
}

// Null writes n null packets.
func (s *Stream) Null(n int) {
	for i := 0; i < n; i++ {
		var pkt [mpegts.PacketSize]byte
		pkt[0] = mpegts.SyncByte
		pkt[1] = 0x1F
		pkt[2] = 0xFF
		pkt[3] = 0x10
		s.buf.Write(pkt[:])
	}
}

// Bytes returns the stream written so far.
func (s *Stream) Bytes() []byte { return s.buf.Bytes() }

// Packets returns the number of packets written.
func (s *Stream) Packets() int { return s.buf.Len() / mpegts.PacketSize }
