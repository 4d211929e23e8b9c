package mpegts

type pcrSample struct {
	clock int64 // unwrapped 27 MHz
	index int64 // packet index the PCR arrived on
	// fresh marks the first sample after a discontinuity indicator or a
	// PCR PID change; it is never paired with an earlier sample.
	fresh bool
}

// keptSamples is how many samples survive trimming outside of replay.
const keptSamples = 4

// SystemClock derives a 27 MHz clock for every packet from PCR samples on
// the PCR PID. A packet between two known samples is interpolated between
// them; beyond the last sample the clock extrapolates from the last pair.
//
// Samples recorded while KeepSamples is on survive a BackTicks rewind, so
// the replayed packets are timed from their nearest pair instead of the
// pair that was current when the rewind happened.
type SystemClock struct {
	pcrPID  int
	samples []pcrSample
	pos     int // samples[:pos] are at or before the last packet counted
	keep    bool

	packets int64
	seen    int64 // highest packet index processed

	pendingFresh    bool
	haveRaw         bool
	lastRaw         int64
	lastClock       int64
	discontinuities int
}

// NewSystemClock returns a clock with no PCR PID.
func NewSystemClock() *SystemClock {
	return &SystemClock{pcrPID: -1, seen: -1}
}

// SetPCRPID selects the PID carrying PCR. After a change the clock keeps
// extrapolating from the old samples until the new PID provides its own.
func (c *SystemClock) SetPCRPID(pid int) {
	if pid != c.pcrPID {
		c.pcrPID = pid
		c.pendingFresh = true
	}
}

// PCRPID returns the PID carrying PCR, or -1.
func (c *SystemClock) PCRPID() int {
	return c.pcrPID
}

// KeepSamples controls whether samples are retained for a later replay.
func (c *SystemClock) KeepSamples(on bool) {
	c.keep = on
	c.trim()
}

// Reset drops all samples and the packet counter.
func (c *SystemClock) Reset() {
	c.samples = c.samples[:0]
	c.pos = 0
	c.packets = 0
	c.seen = -1
	c.pendingFresh = false
	c.haveRaw = false
}

// InputTsPacket counts p and records its PCR when it is on the PCR PID.
// Packets already counted once (after BackTicks) only move the clock
// forward over the known samples.
func (c *SystemClock) InputTsPacket(p Packet) {
	c.packets++
	index := c.packets - 1
	replay := index <= c.seen
	if !replay {
		c.seen = index
	}
	defer c.advance()
	if replay || c.pcrPID < 0 || int(p.PID()) != c.pcrPID {
		return
	}
	af := p.AdaptationField()
	if !af.Check() {
		return
	}
	if af.Discontinuity() {
		c.pendingFresh = true
		c.discontinuities++
	}
	if !af.HasPCR() {
		return
	}
	c.addSample(af.PCR(), index)
}

func (c *SystemClock) addSample(raw, index int64) {
	clock := raw
	if c.haveRaw {
		clock = c.lastClock + SignedDiff(raw, c.lastRaw, PCRWrap)
	}
	c.haveRaw = true
	c.lastRaw = raw
	c.lastClock = clock

	c.samples = append(c.samples, pcrSample{clock: clock, index: index, fresh: c.pendingFresh || len(c.samples) == 0})
	c.pendingFresh = false
	c.advance()
	c.trim()
}

func (c *SystemClock) advance() {
	index := c.packets - 1
	for c.pos < len(c.samples) && c.samples[c.pos].index <= index {
		c.pos++
	}
}

func (c *SystemClock) trim() {
	if c.keep || c.pos < len(c.samples) || len(c.samples) <= 2*keptSamples {
		return
	}
	n := copy(c.samples, c.samples[len(c.samples)-keptSamples:])
	c.samples = c.samples[:n]
	c.pos = min(c.pos, n)
}

// PCRReceived reports whether the current timeline has two samples.
func (c *SystemClock) PCRReceived() bool {
	n := len(c.samples)
	return n >= 2 && !c.samples[n-1].fresh
}

// Discontinuities returns the number of discontinuity indicators seen on
// the PCR PID.
func (c *SystemClock) Discontinuities() int {
	return c.discontinuities
}

// Packets returns the number of packets counted.
func (c *SystemClock) Packets() int64 {
	return c.packets
}

// BackTicks rewinds the packet counter by n so that the same packets can be
// replayed with identical or better clock values.
func (c *SystemClock) BackTicks(n int) {
	c.packets -= int64(n)
	c.pos = 0
	c.advance()
}

// pair returns the two samples that time packet index i = pos-1 onwards:
// the anchor and its successor when it is known, otherwise the anchor and
// its predecessor on the same timeline.
func (c *SystemClock) pair() (s0, s1 pcrSample, ok bool) {
	n := len(c.samples)
	if n == 0 {
		return s0, s1, false
	}
	a := max(c.pos-1, 0)
	if a+1 < n && !c.samples[a+1].fresh {
		return c.samples[a], c.samples[a+1], true
	}
	if a > 0 && !c.samples[a].fresh {
		return c.samples[a-1], c.samples[a], true
	}
	return s0, c.samples[a], false
}

// rate returns the clock and index step of the latest sample pair at or
// before sample i that lies on one timeline.
func (c *SystemClock) rate(i int) (clockDiff, indexDiff int64, ok bool) {
	for j := min(i, len(c.samples)-1); j > 0; j-- {
		if !c.samples[j].fresh {
			s0, s1 := c.samples[j-1], c.samples[j]
			return s1.clock - s0.clock, s1.index - s0.index, true
		}
	}
	return 0, 0, false
}

// GetClock returns the 27 MHz clock of the packet relative to the last one
// counted (0 is the last packet). PCRReceived must have been true once.
//
// Right after a discontinuity the single fresh sample is extrapolated at
// the rate of the previous timeline until a second one arrives.
func (c *SystemClock) GetClock(relative int) int64 {
	index := c.packets + int64(relative) - 1
	s0, s1, ok := c.pair()
	clockDiff, indexDiff := s1.clock-s0.clock, s1.index-s0.index
	if !ok {
		clockDiff, indexDiff, ok = c.rate(max(c.pos-1, 0))
	}
	if !ok || indexDiff <= 0 {
		return s1.clock
	}
	return clockDiff*(index-s1.index)/indexDiff + s1.clock
}

// Bandwidth returns the estimated transport bitrate in bits per second
// from the current sample pair, or 0.
func (c *SystemClock) Bandwidth() float64 {
	s0, s1, ok := c.pair()
	if !ok {
		return 0
	}
	clockDiff := s1.clock - s0.clock
	if clockDiff <= 0 {
		return 0
	}
	bits := float64(s1.index-s0.index) * PacketSize * 8
	return bits * ClockRate / float64(clockDiff)
}
