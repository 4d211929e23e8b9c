package mpegts

// Packet is a view over one 188-byte transport stream packet. It does not
// own Data; callers that keep a packet past the callback that produced it
// must copy it.
type Packet struct {
	Data []byte

	payloadOffset int
}

// NewPacket wraps data and parses it. The returned bool is false when the
// packet layout is inconsistent.
func NewPacket(data []byte) (Packet, bool) {
	p := Packet{Data: data}
	return p, p.Parse()
}

// Parse computes the payload offset. It returns false when the data is not
// a full packet or the adaptation field length runs past the packet end.
func (p *Packet) Parse() bool {
	if len(p.Data) < PacketSize {
		return false
	}
	p.Data = p.Data[:PacketSize]
	off := 4
	if p.HasAdaptationField() {
		afLen := int(p.Data[4])
		off += 1 + afLen
		if off > PacketSize {
			p.payloadOffset = PacketSize
			return false
		}
	}
	p.payloadOffset = off
	return true
}

// Check reports whether the packet is structurally valid: sync byte,
// non-reserved PID, a defined adaptation_field_control and an adaptation
// field that leaves room for the payload it announces.
func (p Packet) Check() bool {
	if len(p.Data) != PacketSize || p.Data[0] != SyncByte {
		return false
	}
	pid := p.PID()
	if pid >= 0x0002 && pid <= 0x000F {
		return false
	}
	afc := p.AdaptationFieldControl()
	if afc == 0 {
		return false
	}
	if p.HasAdaptationField() {
		afLen := int(p.Data[4])
		maxLen := 183
		if p.HasPayload() {
			maxLen = 182
		}
		if afLen > maxLen {
			return false
		}
	}
	return true
}

// TransportError returns transport_error_indicator.
func (p Packet) TransportError() bool { return p.Data[1]&0x80 != 0 }

// PayloadUnitStart returns payload_unit_start_indicator.
func (p Packet) PayloadUnitStart() bool { return p.Data[1]&0x40 != 0 }

// Priority returns transport_priority.
func (p Packet) Priority() bool { return p.Data[1]&0x20 != 0 }

// PID returns the 13-bit packet identifier.
func (p Packet) PID() uint16 { return uint16(p.Data[1]&0x1F)<<8 | uint16(p.Data[2]) }

// ScramblingControl returns transport_scrambling_control.
func (p Packet) ScramblingControl() uint8 { return p.Data[3] >> 6 }

// AdaptationFieldControl returns adaptation_field_control.
func (p Packet) AdaptationFieldControl() uint8 { return (p.Data[3] >> 4) & 0x03 }

// HasAdaptationField reports whether an adaptation field is present.
func (p Packet) HasAdaptationField() bool { return p.Data[3]&0x20 != 0 }

// HasPayload reports whether a payload is present.
func (p Packet) HasPayload() bool { return p.Data[3]&0x10 != 0 }

// ContinuityCounter returns the 4-bit continuity_counter.
func (p Packet) ContinuityCounter() uint8 { return p.Data[3] & 0x0F }

// Payload returns the payload bytes, or nil when there are none. Parse
// must have succeeded.
func (p Packet) Payload() []byte {
	if !p.HasPayload() || p.payloadOffset == 0 || p.payloadOffset >= PacketSize {
		return nil
	}
	return p.Data[p.payloadOffset:]
}

// AdaptationField returns a view over the adaptation field. The view is
// empty when the packet carries none.
func (p Packet) AdaptationField() AdaptationField {
	if !p.HasAdaptationField() {
		return AdaptationField{}
	}
	end := 5 + int(p.Data[4])
	if end > PacketSize {
		end = PacketSize
	}
	return AdaptationField{Data: p.Data[4:end]}
}

// AdaptationField is a view over an adaptation field, starting at the
// adaptation_field_length byte.
type AdaptationField struct {
	Data []byte
}

// Parse reports whether the declared length fits the data.
func (af AdaptationField) Parse() bool {
	return len(af.Data) >= 1 && len(af.Data) >= 1+int(af.Data[0])
}

// Check reports whether the optional fields announced by the flags fit in
// the declared length.
func (af AdaptationField) Check() bool {
	if !af.Parse() {
		return false
	}
	if af.Length() == 0 {
		return true
	}
	need := 1
	if af.PCRFlag() {
		need += 6
	}
	if af.OPCRFlag() {
		need += 6
	}
	return need <= af.Length()
}

// Length returns adaptation_field_length.
func (af AdaptationField) Length() int {
	if len(af.Data) == 0 {
		return 0
	}
	return int(af.Data[0])
}

func (af AdaptationField) flags() byte {
	if af.Length() == 0 || len(af.Data) < 2 {
		return 0
	}
	return af.Data[1]
}

// Discontinuity returns discontinuity_indicator.
func (af AdaptationField) Discontinuity() bool { return af.flags()&0x80 != 0 }

// RandomAccess returns random_access_indicator.
func (af AdaptationField) RandomAccess() bool { return af.flags()&0x40 != 0 }

// PCRFlag returns PCR_flag.
func (af AdaptationField) PCRFlag() bool { return af.flags()&0x10 != 0 }

// OPCRFlag returns OPCR_flag.
func (af AdaptationField) OPCRFlag() bool { return af.flags()&0x08 != 0 }

// HasPCR reports whether a complete PCR is present.
func (af AdaptationField) HasPCR() bool {
	return af.PCRFlag() && af.Length() >= 7 && len(af.Data) >= 8
}

// PCR returns the program clock reference in 27 MHz ticks
// (base*300 + extension). HasPCR must be true.
func (af AdaptationField) PCR() int64 {
	return readPCR(af.Data[2:8])
}

// OPCR returns the original program clock reference in 27 MHz ticks, or -1.
func (af AdaptationField) OPCR() int64 {
	if !af.OPCRFlag() {
		return -1
	}
	off := 2
	if af.PCRFlag() {
		off += 6
	}
	if len(af.Data) < off+6 || af.Length() < off+5 {
		return -1
	}
	return readPCR(af.Data[off : off+6])
}

func readPCR(b []byte) int64 {
	base := int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
	ext := int64(b[4]&0x01)<<8 | int64(b[5])
	return base*300 + ext
}

// PutPCR writes a 27 MHz clock value into the 6-byte PCR encoding.
func PutPCR(b []byte, pcr int64) {
	base := (pcr / 300) % PTSWrap
	ext := pcr % 300
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&1)<<7 | 0x7E | byte(ext>>8)&0x01
	b[5] = byte(ext)
}
