package mpegts

import "time"

// JST is the broadcast time zone used by TDT, TOT and EIT.
var JST = time.FixedZone("JST", 9*60*60)

// SDT is a service description section (actual or other TS).
type SDT struct {
	PsiSection

	elems []int
}

// SDTElement is one service entry.
type SDTElement struct {
	ServiceID        uint16
	EITSchedule      bool
	EITPresentFollow bool
	RunningStatus    uint8
	FreeCAMode       bool
	Descriptors      []byte
}

// Parse indexes the service loop.
func (s *SDT) Parse() bool {
	if !s.PsiSection.Parse() {
		return false
	}
	b := s.body()
	if len(b) < 3 {
		return false
	}
	s.elems = s.elems[:0]
	off := 3
	for off < len(b) {
		if off+5 > len(b) {
			return false
		}
		n := int(b[off+3]&0x0F)<<8 | int(b[off+4])
		if off+5+n > len(b) {
			return false
		}
		s.elems = append(s.elems, off)
		off += 5 + n
	}
	return true
}

// Check validates table_id and CRC.
func (s SDT) Check() bool {
	tid := s.TableID()
	return (tid == TableIDSDTActual || tid == TableIDSDTOther) && s.SectionSyntaxIndicator() && s.PsiSection.Check()
}

// TransportStreamID returns transport_stream_id.
func (s SDT) TransportStreamID() uint16 { return s.TableIDExtension() }

// OriginalNetworkID returns original_network_id.
func (s SDT) OriginalNetworkID() uint16 {
	b := s.body()
	return uint16(b[0])<<8 | uint16(b[1])
}

// NumElems returns the number of services.
func (s SDT) NumElems() int { return len(s.elems) }

// Get returns the i-th service entry.
func (s SDT) Get(i int) SDTElement {
	b := s.body()[s.elems[i]:]
	n := int(b[3]&0x0F)<<8 | int(b[4])
	return SDTElement{
		ServiceID:        uint16(b[0])<<8 | uint16(b[1]),
		EITSchedule:      b[2]&0x02 != 0,
		EITPresentFollow: b[2]&0x01 != 0,
		RunningStatus:    b[3] >> 5,
		FreeCAMode:       b[3]&0x10 != 0,
		Descriptors:      b[5 : 5+n],
	}
}

// ServiceDescriptor is the decoded body of a service descriptor (0x48).
// Names are raw ARIB 8-bit character strings.
type ServiceDescriptor struct {
	ServiceType  uint8
	ProviderName []byte
	ServiceName  []byte
}

// ParseServiceDescriptor decodes a service descriptor body.
func ParseServiceDescriptor(d Descriptor) (ServiceDescriptor, bool) {
	b := d.Data
	if d.Tag != DescTagService || len(b) < 2 {
		return ServiceDescriptor{}, false
	}
	sd := ServiceDescriptor{ServiceType: b[0]}
	pn := int(b[1])
	if 2+pn+1 > len(b) {
		return ServiceDescriptor{}, false
	}
	sd.ProviderName = b[2 : 2+pn]
	sn := int(b[2+pn])
	if 3+pn+sn > len(b) {
		return ServiceDescriptor{}, false
	}
	sd.ServiceName = b[3+pn : 3+pn+sn]
	return sd, true
}

// EIT is an event information section.
type EIT struct {
	PsiSection

	elems []int
}

// EITElement is one event entry. StartTime is zero when undefined;
// Duration is -1 when undefined.
type EITElement struct {
	EventID       uint16
	StartTime     time.Time
	Duration      time.Duration
	RunningStatus uint8
	FreeCAMode    bool
	Descriptors   []byte
}

// Parse indexes the event loop.
func (e *EIT) Parse() bool {
	if !e.PsiSection.Parse() {
		return false
	}
	b := e.body()
	if len(b) < 6 {
		return false
	}
	e.elems = e.elems[:0]
	off := 6
	for off < len(b) {
		if off+12 > len(b) {
			return false
		}
		n := int(b[off+10]&0x0F)<<8 | int(b[off+11])
		if off+12+n > len(b) {
			return false
		}
		e.elems = append(e.elems, off)
		off += 12 + n
	}
	return true
}

// Check validates table_id and CRC.
func (e EIT) Check() bool {
	tid := e.TableID()
	return tid >= TableIDEITFirst && tid <= TableIDEITLast && e.SectionSyntaxIndicator() && e.PsiSection.Check()
}

// ServiceID returns service_id.
func (e EIT) ServiceID() uint16 { return e.TableIDExtension() }

// TransportStreamID returns transport_stream_id.
func (e EIT) TransportStreamID() uint16 {
	b := e.body()
	return uint16(b[0])<<8 | uint16(b[1])
}

// OriginalNetworkID returns original_network_id.
func (e EIT) OriginalNetworkID() uint16 {
	b := e.body()
	return uint16(b[2])<<8 | uint16(b[3])
}

// NumElems returns the number of events.
func (e EIT) NumElems() int { return len(e.elems) }

// Get returns the i-th event entry.
func (e EIT) Get(i int) EITElement {
	b := e.body()[e.elems[i]:]
	n := int(b[10]&0x0F)<<8 | int(b[11])
	el := EITElement{
		EventID:       uint16(b[0])<<8 | uint16(b[1]),
		Duration:      -1,
		RunningStatus: b[10] >> 5,
		FreeCAMode:    b[10]&0x10 != 0,
		Descriptors:   b[12 : 12+n],
	}
	if t, ok := DecodeJST(b[2:7]); ok {
		el.StartTime = t
	}
	if d, ok := decodeBCDDuration(b[7:10]); ok {
		el.Duration = d
	}
	return el
}

// ShortEventDescriptor is the decoded body of a short event descriptor
// (0x4D). Strings are raw ARIB 8-bit character strings.
type ShortEventDescriptor struct {
	Language  string
	EventName []byte
	Text      []byte
}

// ParseShortEventDescriptor decodes a short event descriptor body.
func ParseShortEventDescriptor(d Descriptor) (ShortEventDescriptor, bool) {
	b := d.Data
	if d.Tag != DescTagShortEvent || len(b) < 4 {
		return ShortEventDescriptor{}, false
	}
	se := ShortEventDescriptor{Language: string(b[:3])}
	nl := int(b[3])
	if 4+nl+1 > len(b) {
		return ShortEventDescriptor{}, false
	}
	se.EventName = b[4 : 4+nl]
	tl := int(b[4+nl])
	if 5+nl+tl > len(b) {
		return ShortEventDescriptor{}, false
	}
	se.Text = b[5+nl : 5+nl+tl]
	return se, true
}

// TDT is a time and date section. It is short-form and carries no CRC.
type TDT struct {
	PsiSection
}

// Parse validates the fixed section size.
func (t *TDT) Parse() bool {
	return t.PsiSection.Parse() && len(t.Data) == 8
}

// Check validates table_id and the short-form syntax.
func (t TDT) Check() bool {
	return t.TableID() == TableIDTDT && !t.SectionSyntaxIndicator() && t.SectionLength() == 5
}

// JST returns UTC_time decoded in JST.
func (t TDT) JST() (time.Time, bool) {
	return DecodeJST(t.Data[3:8])
}

// TOT is a time offset section. Unlike TDT it carries a CRC even though
// section_syntax_indicator is 0.
type TOT struct {
	PsiSection
}

// Parse validates the descriptor loop length.
func (t *TOT) Parse() bool {
	if !t.PsiSection.Parse() || len(t.Data) < 14 {
		return false
	}
	n := int(t.Data[8]&0x0F)<<8 | int(t.Data[9])
	return 10+n+4 <= len(t.Data)
}

// Check validates table_id and CRC.
func (t TOT) Check() bool {
	return t.TableID() == TableIDTOT && CRC32(t.Data) == 0
}

// JST returns UTC_time decoded in JST.
func (t TOT) JST() (time.Time, bool) {
	return DecodeJST(t.Data[3:8])
}

// Descriptors returns the descriptor loop.
func (t TOT) Descriptors() []byte {
	n := int(t.Data[8]&0x0F)<<8 | int(t.Data[9])
	return t.Data[10 : 10+n]
}

var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, JST)

// DecodeJST decodes a 40-bit MJD + BCD time field. ok is false for the
// all-ones "undefined" value or invalid BCD digits.
func DecodeJST(b []byte) (time.Time, bool) {
	if len(b) < 5 {
		return time.Time{}, false
	}
	if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF && b[4] == 0xFF {
		return time.Time{}, false
	}
	mjd := int(b[0])<<8 | int(b[1])
	h, ok1 := bcd(b[2])
	m, ok2 := bcd(b[3])
	s, ok3 := bcd(b[4])
	if !ok1 || !ok2 || !ok3 || h > 23 || m > 59 || s > 60 {
		return time.Time{}, false
	}
	day := mjdEpoch.AddDate(0, 0, mjd)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, s, 0, JST), true
}

// EncodeJST encodes t (converted to JST) into the 40-bit MJD + BCD form.
func EncodeJST(b []byte, t time.Time) {
	t = t.In(JST)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, JST)
	mjd := int(day.Sub(mjdEpoch).Hours() / 24)
	b[0] = byte(mjd >> 8)
	b[1] = byte(mjd)
	b[2] = toBCD(t.Hour())
	b[3] = toBCD(t.Minute())
	b[4] = toBCD(t.Second())
}

func decodeBCDDuration(b []byte) (time.Duration, bool) {
	if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF {
		return 0, false
	}
	h, ok1 := bcd(b[0])
	m, ok2 := bcd(b[1])
	s, ok3 := bcd(b[2])
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
}

func bcd(v byte) (int, bool) {
	hi, lo := int(v>>4), int(v&0x0F)
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return hi*10 + lo, true
}

func toBCD(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}
