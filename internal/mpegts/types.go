// Package mpegts implements the transport stream layer of the reformer:
// zero-copy views over TS packets, adaptation fields, PES packets and PSI/SI
// sections, section and PES reassembly, byte-stream resynchronisation, the
// PCR-derived system clock, and service/elementary-stream PID selection.
package mpegts

import "errors"

const (
	// PacketSize is the size of a transport stream packet.
	PacketSize = 188
	// SyncByte starts every transport stream packet.
	SyncByte = 0x47
)

// Well-known PIDs.
const (
	PIDPAT  = 0x0000
	PIDCAT  = 0x0001
	PIDNIT  = 0x0010
	PIDSDT  = 0x0011
	PIDEIT  = 0x0012
	PIDTOT  = 0x0014
	PIDNull = 0x1FFF
)

// Table IDs.
const (
	TableIDPAT       = 0x00
	TableIDPMT       = 0x02
	TableIDSDTActual = 0x42
	TableIDSDTOther  = 0x46
	TableIDEITFirst  = 0x4E
	TableIDEITLast   = 0x6F
	TableIDTDT       = 0x70
	TableIDTOT       = 0x73
)

// Stream types carried in the PMT.
const (
	StreamTypeMPEG2Video = 0x02
	StreamTypeADTS       = 0x0F
	StreamTypePrivatePES = 0x06
	StreamTypeH264       = 0x1B
)

// Descriptor tags.
const (
	DescTagService          = 0x48
	DescTagShortEvent       = 0x4D
	DescTagStreamIdentifier = 0x52
)

// Timestamp arithmetic.
const (
	// PTSWrap is the modulus of 33-bit PTS/DTS values.
	PTSWrap int64 = 1 << 33
	// PCRWrap is the modulus of a 27 MHz PCR (33-bit base times 300).
	PCRWrap = PTSWrap * 300
	// ClockRate is the PCR tick rate.
	ClockRate = 27000000
	// TimestampRate is the PTS/DTS tick rate.
	TimestampRate = 90000
)

var (
	// ErrServiceIndex is returned when the requested service index does not
	// exist in the PAT.
	ErrServiceIndex = errors.New("mpegts: service index out of range")
)

// PMTESInfo identifies one elementary stream of the selected service.
// PID is -1 when the stream is absent.
type PMTESInfo struct {
	StreamType int
	PID        int
}

// NoStream is the PMTESInfo of an absent stream.
var NoStream = PMTESInfo{StreamType: -1, PID: -1}

// Valid reports whether the stream is present.
func (i PMTESInfo) Valid() bool {
	return i.PID >= 0
}

// SignedDiff returns a-b reduced into [-mod/2, mod/2).
func SignedDiff(a, b, mod int64) int64 {
	d := (a - b) % mod
	if d < 0 {
		d += mod
	}
	if d >= mod/2 {
		d -= mod
	}
	return d
}
