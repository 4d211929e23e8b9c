package mpegts

import (
	"errors"
	"testing"
	"time"
)

type routed struct {
	kind  string
	pid   uint16
	index int
	table int
}

type recordingHandler struct {
	tables  [][]PMTESInfo
	packets []routed
	times   []time.Time
}

func (h *recordingHandler) OnPidTableChanged(video PMTESInfo, audio []PMTESInfo, caption PMTESInfo) {
	h.tables = append(h.tables, append([]PMTESInfo{video, caption}, audio...))
}

func (h *recordingHandler) OnVideoPacket(_ int64, p Packet) {
	h.packets = append(h.packets, routed{"video", p.PID(), 0, len(h.tables)})
}

func (h *recordingHandler) OnAudioPacket(_ int64, p Packet, index int) {
	h.packets = append(h.packets, routed{"audio", p.PID(), index, len(h.tables)})
}

func (h *recordingHandler) OnCaptionPacket(_ int64, p Packet) {
	h.packets = append(h.packets, routed{"caption", p.PID(), 0, len(h.tables)})
}

func (h *recordingHandler) OnTime(_ int64, jst time.Time) {
	h.times = append(h.times, jst)
}

type selectorFixture struct {
	t   *testing.T
	s   *PacketSelector
	h   *recordingHandler
	ccs map[uint16]uint8
}

func newSelectorFixture(t *testing.T, cfg SelectorConfig) *selectorFixture {
	h := &recordingHandler{}
	return &selectorFixture{t: t, s: NewPacketSelector(nil, cfg, h), h: h, ccs: map[uint16]uint8{}}
}

func (f *selectorFixture) section(pid uint16, section []byte) {
	f.t.Helper()
	cc := f.ccs[pid]
	f.ccs[pid] = (cc + 1) & 0x0F
	if err := f.s.InputTsPacket(0, mustPacket(sectionPacket(pid, cc, section))); err != nil {
		f.t.Fatal(err)
	}
}

func (f *selectorFixture) es(pid uint16) {
	f.t.Helper()
	cc := f.ccs[pid]
	f.ccs[pid] = (cc + 1) & 0x0F
	if err := f.s.InputTsPacket(0, mustPacket(makePacket(pid, cc, false, nil))); err != nil {
		f.t.Fatal(err)
	}
}

func TestSelector_RoutesSelectedService(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	f.section(PIDPAT, buildPAT(1, []program{{0, 0x10}, {1024, 0x1F0}, {1025, 0x1F8}}))
	f.section(0x1F0, buildPMT(1024, 0x1FF, 0, []esEntry{
		{StreamTypeMPEG2Video, 0x111, nil},
		{StreamTypeADTS, 0x112, nil},
		{StreamTypeADTS, 0x113, nil},
		{StreamTypePrivatePES, 0x130, captionDescriptor(0x30)},
	}))
	if f.s.ServiceID() != 1024 || f.s.PMTPID() != 0x1F0 || f.s.PCRPID() != 0x1FF {
		t.Fatalf("service %d pmt 0x%X pcr 0x%X", f.s.ServiceID(), f.s.PMTPID(), f.s.PCRPID())
	}
	if len(f.h.tables) != 1 {
		t.Fatalf("table changes = %d, want 1", len(f.h.tables))
	}
	for _, pid := range []uint16{0x111, 0x112, 0x113, 0x130, 0x200} {
		f.es(pid)
	}
	want := []routed{
		{"video", 0x111, 0, 1},
		{"audio", 0x112, 0, 1},
		{"audio", 0x113, 1, 1},
		{"caption", 0x130, 0, 1},
	}
	if len(f.h.packets) != len(want) {
		t.Fatalf("routed %d packets, want %d", len(f.h.packets), len(want))
	}
	for i, w := range want {
		if f.h.packets[i] != w {
			t.Errorf("packet %d = %+v, want %+v", i, f.h.packets[i], w)
		}
	}
}

func TestSelector_ServiceByID(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{ServiceID: 1025})
	f.section(PIDPAT, buildPAT(1, []program{{1024, 0x1F0}, {1025, 0x1F8}}))
	if f.s.PMTPID() != 0x1F8 {
		t.Errorf("PMT PID = 0x%X, want 0x1F8", f.s.PMTPID())
	}
	// A PMT for another program on the same PID is ignored.
	f.section(0x1F8, buildPMT(1024, 0x100, 0, []esEntry{{StreamTypeH264, 0x100, nil}}))
	if len(f.h.tables) != 0 {
		t.Error("PMT of another program applied")
	}
}

func TestSelector_ServiceIndexOutOfRange(t *testing.T) {
	t.Parallel()
	h := &recordingHandler{}
	s := NewPacketSelector(nil, SelectorConfig{ServiceIndex: 2}, h)
	err := s.InputTsPacket(0, mustPacket(sectionPacket(PIDPAT, 0, buildPAT(1, []program{{0, 0x10}, {1, 0x100}, {2, 0x200}}))))
	if !errors.Is(err, ErrServiceIndex) {
		t.Fatalf("err = %v, want ErrServiceIndex", err)
	}
	// The error is sticky.
	if err := s.InputTsPacket(0, mustPacket(makePacket(0x100, 0, false, nil))); !errors.Is(err, ErrServiceIndex) {
		t.Errorf("second err = %v", err)
	}
}

func TestSelector_NoVideo(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	f.section(PIDPAT, buildPAT(1, []program{{1, 0x100}}))
	f.section(0x100, buildPMT(1, 0x110, 0, []esEntry{{StreamTypeADTS, 0x110, nil}}))
	if len(f.h.tables) != 1 || f.h.tables[0][0].Valid() {
		t.Fatalf("tables = %+v", f.h.tables)
	}
	f.es(0x110)
	if len(f.h.packets) != 1 || f.h.packets[0].kind != "audio" {
		t.Errorf("packets = %+v", f.h.packets)
	}
}

func TestSelector_MalformedPMTKeepsTable(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	f.section(PIDPAT, buildPAT(1, []program{{1, 0x100}}))
	f.section(0x100, buildPMT(1, 0x111, 0, []esEntry{{StreamTypeH264, 0x111, nil}}))
	bad := buildPMT(1, 0x121, 1, []esEntry{{StreamTypeH264, 0x121, nil}})
	bad[len(bad)-1] ^= 0xFF
	f.section(0x100, bad)
	if f.s.Table().Video().PID != 0x111 || f.s.WaitingNewVideo() {
		t.Error("PMT with bad CRC changed the routing")
	}
}

func TestSelector_AudioChangeAppliesImmediately(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	f.section(PIDPAT, buildPAT(1, []program{{1, 0x100}}))
	f.section(0x100, buildPMT(1, 0x111, 0, []esEntry{{StreamTypeH264, 0x111, nil}, {StreamTypeADTS, 0x112, nil}}))
	f.section(0x100, buildPMT(1, 0x111, 1, []esEntry{{StreamTypeH264, 0x111, nil}, {StreamTypeADTS, 0x114, nil}}))
	if f.s.WaitingNewVideo() {
		t.Fatal("audio-only change should not be staged")
	}
	f.es(0x112)
	f.es(0x114)
	if len(f.h.packets) != 1 || f.h.packets[0].pid != 0x114 {
		t.Errorf("packets = %+v", f.h.packets)
	}
}

func TestSelector_VideoPIDSwapIsAtomic(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	f.section(PIDPAT, buildPAT(1, []program{{1, 0x100}}))
	f.section(0x100, buildPMT(1, 0x111, 0, []esEntry{
		{StreamTypeMPEG2Video, 0x111, nil},
		{StreamTypeADTS, 0x112, nil},
	}))
	f.es(0x111)
	f.es(0x112)

	// New PMT moves video and audio while old packets are still arriving.
	f.section(0x100, buildPMT(1, 0x121, 1, []esEntry{
		{StreamTypeH264, 0x121, nil},
		{StreamTypeADTS, 0x122, nil},
	}))
	if !f.s.WaitingNewVideo() {
		t.Fatal("video PID change should be staged")
	}
	f.es(0x111) // old table
	f.es(0x112) // old table
	f.es(0x122) // not yet routed: new audio before new video
	f.es(0x121) // first new video packet: swap happens here
	f.es(0x111) // old video now unrouted
	f.es(0x122) // new table

	if f.s.WaitingNewVideo() {
		t.Error("swap did not happen")
	}
	want := []routed{
		{"video", 0x111, 0, 1},
		{"audio", 0x112, 0, 1},
		{"video", 0x111, 0, 1},
		{"audio", 0x112, 0, 1},
		{"video", 0x121, 0, 2},
		{"audio", 0x122, 0, 2},
	}
	if len(f.h.packets) != len(want) {
		t.Fatalf("routed %d packets, want %d: %+v", len(f.h.packets), len(want), f.h.packets)
	}
	for i, w := range want {
		if f.h.packets[i] != w {
			t.Errorf("packet %d = %+v, want %+v", i, f.h.packets[i], w)
		}
	}
	if len(f.h.tables) != 2 || f.h.tables[1][0].PID != 0x121 {
		t.Errorf("tables = %+v", f.h.tables)
	}
}

func TestSelector_StagedChangeWithdrawn(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	f.section(PIDPAT, buildPAT(1, []program{{1, 0x100}}))
	orig := []esEntry{{StreamTypeH264, 0x111, nil}}
	f.section(0x100, buildPMT(1, 0x111, 0, orig))
	f.section(0x100, buildPMT(1, 0x121, 1, []esEntry{{StreamTypeH264, 0x121, nil}}))
	f.section(0x100, buildPMT(1, 0x111, 2, orig))
	if f.s.WaitingNewVideo() {
		t.Error("reverted PMT should cancel the staged table")
	}
	f.es(0x121)
	if len(f.h.packets) != 0 || len(f.h.tables) != 1 {
		t.Errorf("packets %+v tables %d", f.h.packets, len(f.h.tables))
	}
}

func TestSelector_ServiceChangeClearsTable(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{ServiceID: 2})
	f.section(PIDPAT, buildPAT(1, []program{{2, 0x100}}))
	f.section(0x100, buildPMT(2, 0x111, 0, []esEntry{{StreamTypeH264, 0x111, nil}}))
	f.section(PIDPAT, buildPAT(1, []program{{2, 0x200}}))
	if f.s.PMTPID() != 0x200 {
		t.Fatalf("PMT PID = 0x%X", f.s.PMTPID())
	}
	f.es(0x111)
	if len(f.h.packets) != 0 {
		t.Error("packet routed through a cleared table")
	}
}

func TestSelector_TDT(t *testing.T) {
	t.Parallel()
	f := newSelectorFixture(t, SelectorConfig{})
	want := time.Date(2020, time.January, 2, 3, 4, 5, 0, JST)
	tdt := []byte{TableIDTDT, 0x70, 0x05, 0, 0, 0, 0, 0}
	EncodeJST(tdt[3:], want)
	f.section(PIDTOT, tdt)
	if len(f.h.times) != 1 || !f.h.times[0].Equal(want) {
		t.Errorf("times = %v", f.h.times)
	}
}
