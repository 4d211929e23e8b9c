package mpegts

// PsiSection is a view over one complete PSI/SI section, starting at
// table_id and ending after CRC_32 (or after the last byte for short-form
// sections).
type PsiSection struct {
	Data []byte
}

// Parse trims Data to the declared section length. It returns false when
// the data is shorter than the section header announces.
func (s *PsiSection) Parse() bool {
	if len(s.Data) < 3 {
		return false
	}
	total := 3 + s.SectionLength()
	if total > len(s.Data) {
		return false
	}
	s.Data = s.Data[:total]
	if s.SectionSyntaxIndicator() && total < 12 {
		return false
	}
	return true
}

// Check validates the CRC of long-form sections. Short-form sections carry
// no CRC and always pass.
func (s PsiSection) Check() bool {
	if len(s.Data) < 3 || s.SectionLength() > 4093 {
		return false
	}
	if !s.SectionSyntaxIndicator() {
		return true
	}
	return len(s.Data) >= 12 && CRC32(s.Data) == 0
}

// TableID returns table_id.
func (s PsiSection) TableID() byte { return s.Data[0] }

// SectionSyntaxIndicator returns section_syntax_indicator.
func (s PsiSection) SectionSyntaxIndicator() bool { return s.Data[1]&0x80 != 0 }

// SectionLength returns section_length.
func (s PsiSection) SectionLength() int { return int(s.Data[1]&0x0F)<<8 | int(s.Data[2]) }

// TableIDExtension returns the 16-bit table_id_extension of long-form
// sections (transport_stream_id, program_number or service_id).
func (s PsiSection) TableIDExtension() uint16 { return uint16(s.Data[3])<<8 | uint16(s.Data[4]) }

// VersionNumber returns version_number.
func (s PsiSection) VersionNumber() uint8 { return (s.Data[5] >> 1) & 0x1F }

// CurrentNext returns current_next_indicator.
func (s PsiSection) CurrentNext() bool { return s.Data[5]&0x01 != 0 }

// SectionNumber returns section_number.
func (s PsiSection) SectionNumber() uint8 { return s.Data[6] }

// LastSectionNumber returns last_section_number.
func (s PsiSection) LastSectionNumber() uint8 { return s.Data[7] }

// body returns the bytes between the 8-byte long-form header and the CRC.
func (s PsiSection) body() []byte {
	if len(s.Data) < 12 {
		return nil
	}
	return s.Data[8 : len(s.Data)-4]
}

// PAT is a program association section.
type PAT struct {
	PsiSection
}

// PATElement maps a program number to its PMT PID. Program number 0
// carries the network PID.
type PATElement struct {
	ProgramNumber uint16
	PID           uint16
}

// Parse validates the layout of the program loop.
func (p *PAT) Parse() bool {
	return p.PsiSection.Parse() && len(p.body())%4 == 0
}

// Check validates table_id, section syntax and CRC.
func (p PAT) Check() bool {
	return p.TableID() == TableIDPAT && p.SectionSyntaxIndicator() && p.PsiSection.Check()
}

// TransportStreamID returns transport_stream_id.
func (p PAT) TransportStreamID() uint16 { return p.TableIDExtension() }

// NumElems returns the number of program entries.
func (p PAT) NumElems() int { return len(p.body()) / 4 }

// Get returns the i-th program entry.
func (p PAT) Get(i int) PATElement {
	b := p.body()[i*4:]
	return PATElement{
		ProgramNumber: uint16(b[0])<<8 | uint16(b[1]),
		PID:           uint16(b[2]&0x1F)<<8 | uint16(b[3]),
	}
}

// PMT is a program map section.
type PMT struct {
	PsiSection

	elems []int
}

// PMTElement is one elementary stream entry of a PMT.
type PMTElement struct {
	StreamType    uint8
	ElementaryPID uint16
	Descriptors   []byte
}

// Parse validates the program info and ES loops and indexes the entries.
func (p *PMT) Parse() bool {
	if !p.PsiSection.Parse() {
		return false
	}
	b := p.body()
	if len(b) < 4 {
		return false
	}
	off := 4 + (int(b[2]&0x0F)<<8 | int(b[3]))
	if off > len(b) {
		return false
	}
	p.elems = p.elems[:0]
	for off < len(b) {
		if off+5 > len(b) {
			return false
		}
		esLen := int(b[off+3]&0x0F)<<8 | int(b[off+4])
		if off+5+esLen > len(b) {
			return false
		}
		p.elems = append(p.elems, off)
		off += 5 + esLen
	}
	return true
}

// Check validates table_id, section syntax and CRC.
func (p PMT) Check() bool {
	return p.TableID() == TableIDPMT && p.SectionSyntaxIndicator() && p.PsiSection.Check()
}

// ProgramNumber returns program_number.
func (p PMT) ProgramNumber() uint16 { return p.TableIDExtension() }

// PCRPID returns PCR_PID.
func (p PMT) PCRPID() uint16 {
	b := p.body()
	return uint16(b[0]&0x1F)<<8 | uint16(b[1])
}

// ProgramInfo returns the program-level descriptor loop.
func (p PMT) ProgramInfo() []byte {
	b := p.body()
	n := int(b[2]&0x0F)<<8 | int(b[3])
	return b[4 : 4+n]
}

// NumElems returns the number of elementary stream entries.
func (p PMT) NumElems() int { return len(p.elems) }

// Get returns the i-th elementary stream entry.
func (p PMT) Get(i int) PMTElement {
	b := p.body()[p.elems[i]:]
	esLen := int(b[3]&0x0F)<<8 | int(b[4])
	return PMTElement{
		StreamType:    b[0],
		ElementaryPID: uint16(b[1]&0x1F)<<8 | uint16(b[2]),
		Descriptors:   b[5 : 5+esLen],
	}
}

// Descriptor is one tag/length/value entry of a descriptor loop.
type Descriptor struct {
	Tag  byte
	Data []byte
}

// ParseDescriptors splits a descriptor loop. A truncated trailing
// descriptor is dropped.
func ParseDescriptors(b []byte) []Descriptor {
	var out []Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		out = append(out, Descriptor{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return out
}

// FindDescriptor returns the first descriptor with the given tag.
func FindDescriptor(b []byte, tag byte) (Descriptor, bool) {
	for _, d := range ParseDescriptors(b) {
		if d.Tag == tag {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ComponentTag returns the component_tag of a stream identifier
// descriptor in the loop, or -1.
func ComponentTag(descriptors []byte) int {
	d, ok := FindDescriptor(descriptors, DescTagStreamIdentifier)
	if !ok || len(d.Data) < 1 {
		return -1
	}
	return int(d.Data[0])
}
