package mpegts

// ccTracker follows the continuity counter of one PID.
type ccTracker struct {
	last  int
	valid bool
}

// ccResult classifies a packet against the expected continuity counter.
type ccResult int

const (
	ccOK ccResult = iota
	ccDuplicate
	ccDiscontinuity
)

func (c *ccTracker) check(p Packet) ccResult {
	cc := int(p.ContinuityCounter())
	if !p.HasPayload() {
		// The counter does not advance on adaptation-only packets.
		return ccOK
	}
	defer func() { c.last, c.valid = cc, true }()
	if !c.valid || p.AdaptationField().Discontinuity() {
		return ccOK
	}
	if cc == c.last {
		return ccDuplicate
	}
	if cc != (c.last+1)&0x0F {
		return ccDiscontinuity
	}
	return ccOK
}

func (c *ccTracker) reset() {
	c.valid = false
}

// SectionAssembler reassembles PSI sections on a single PID. Complete
// sections are passed to the callback; the slice is only valid during the
// call.
type SectionAssembler struct {
	onSection func(section []byte)

	buf     []byte
	started bool
	cc      ccTracker
}

// NewSectionAssembler returns an assembler that calls fn for every
// complete section.
func NewSectionAssembler(fn func(section []byte)) *SectionAssembler {
	return &SectionAssembler{onSection: fn}
}

// Reset drops any partial section.
func (a *SectionAssembler) Reset() {
	a.buf = a.buf[:0]
	a.started = false
	a.cc.reset()
}

// Push feeds one packet of the PID.
func (a *SectionAssembler) Push(p Packet) {
	if p.TransportError() {
		a.buf = a.buf[:0]
		a.started = false
		return
	}
	switch a.cc.check(p) {
	case ccDuplicate:
		return
	case ccDiscontinuity:
		a.buf = a.buf[:0]
		a.started = false
	}
	payload := p.Payload()
	if len(payload) == 0 {
		return
	}
	if !p.PayloadUnitStart() {
		if a.started {
			a.buf = append(a.buf, payload...)
			a.drain()
		}
		return
	}

	pointer := int(payload[0])
	if 1+pointer > len(payload) {
		a.buf = a.buf[:0]
		a.started = false
		return
	}
	if a.started {
		// Bytes before the pointer complete the previous section.
		a.buf = append(a.buf, payload[1:1+pointer]...)
		a.drain()
	}
	a.buf = append(a.buf[:0], payload[1+pointer:]...)
	a.started = true
	a.drain()
}

func (a *SectionAssembler) drain() {
	for a.started {
		if len(a.buf) < 1 {
			return
		}
		if a.buf[0] == 0xFF {
			// Stuffing: nothing more until the next unit start.
			a.buf = a.buf[:0]
			a.started = false
			return
		}
		if len(a.buf) < 3 {
			return
		}
		total := 3 + (int(a.buf[1]&0x0F)<<8 | int(a.buf[2]))
		if len(a.buf) < total {
			return
		}
		a.onSection(a.buf[:total])
		n := copy(a.buf, a.buf[total:])
		a.buf = a.buf[:n]
	}
}

// PESAssembler reassembles PES packets on a single PID. Each PES is
// delivered with the clock of the packet that started it; the slice is only
// valid during the call.
type PESAssembler struct {
	onPES func(clock int64, pes []byte)

	buf     []byte
	clock   int64
	started bool
	cc      ccTracker

	// Lost counts PES packets dropped because of transport errors or
	// continuity breaks.
	Lost int
}

// NewPESAssembler returns an assembler that calls fn for every complete
// PES packet.
func NewPESAssembler(fn func(clock int64, pes []byte)) *PESAssembler {
	return &PESAssembler{onPES: fn}
}

// Reset drops any partial PES packet.
func (a *PESAssembler) Reset() {
	a.buf = a.buf[:0]
	a.started = false
	a.cc.reset()
}

// Push feeds one packet of the PID with its system clock.
func (a *PESAssembler) Push(clock int64, p Packet) {
	if p.TransportError() {
		a.drop()
		return
	}
	switch a.cc.check(p) {
	case ccDuplicate:
		return
	case ccDiscontinuity:
		a.drop()
	}
	payload := p.Payload()
	if len(payload) == 0 {
		return
	}
	if p.PayloadUnitStart() {
		a.Flush()
		a.buf = append(a.buf[:0], payload...)
		a.clock = clock
		a.started = true
	} else if a.started {
		a.buf = append(a.buf, payload...)
	} else {
		return
	}
	a.emitIfComplete()
}

// Flush delivers the buffered PES packet, if any.
func (a *PESAssembler) Flush() {
	if !a.started {
		return
	}
	a.started = false
	if len(a.buf) > 0 {
		a.onPES(a.clock, a.buf)
	}
	a.buf = a.buf[:0]
}

// emitIfComplete delivers a bounded PES as soon as its declared length is
// reached.
func (a *PESAssembler) emitIfComplete() {
	if len(a.buf) < 6 {
		return
	}
	n := int(a.buf[4])<<8 | int(a.buf[5])
	if n == 0 || len(a.buf) < 6+n {
		return
	}
	a.buf = a.buf[:6+n]
	a.Flush()
}

func (a *PESAssembler) drop() {
	if a.started {
		a.Lost++
	}
	a.buf = a.buf[:0]
	a.started = false
}
