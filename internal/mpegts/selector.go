package mpegts

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// SelectorHandler receives the packets and events of the selected service.
type SelectorHandler interface {
	// OnPidTableChanged is called whenever a new routing table takes
	// effect, before the first packet routed through it.
	OnPidTableChanged(video PMTESInfo, audio []PMTESInfo, caption PMTESInfo)
	OnVideoPacket(clock int64, p Packet)
	OnAudioPacket(clock int64, p Packet, index int)
	OnCaptionPacket(clock int64, p Packet)
	OnTime(clock int64, jst time.Time)
}

// SelectorConfig chooses the service to extract. A positive ServiceID
// takes precedence over ServiceIndex, which counts programs in PAT order.
type SelectorConfig struct {
	ServiceID    int
	ServiceIndex int
}

type routeKind uint8

const (
	routeVideo routeKind = iota + 1
	routeAudio
	routeCaption
)

type route struct {
	kind  routeKind
	index int
}

// PidHandlerTable is an immutable snapshot of the elementary stream
// routing for one PMT.
type PidHandlerTable struct {
	video   PMTESInfo
	audio   []PMTESInfo
	caption PMTESInfo
	routes  map[uint16]route
}

var emptyTable = newPidHandlerTable(NoStream, nil, NoStream)

func newPidHandlerTable(video PMTESInfo, audio []PMTESInfo, caption PMTESInfo) *PidHandlerTable {
	t := &PidHandlerTable{
		video:   video,
		audio:   audio,
		caption: caption,
		routes:  make(map[uint16]route, len(audio)+2),
	}
	if video.Valid() {
		t.routes[uint16(video.PID)] = route{kind: routeVideo}
	}
	for i, a := range audio {
		if _, dup := t.routes[uint16(a.PID)]; !dup {
			t.routes[uint16(a.PID)] = route{kind: routeAudio, index: i}
		}
	}
	if caption.Valid() {
		if _, dup := t.routes[uint16(caption.PID)]; !dup {
			t.routes[uint16(caption.PID)] = route{kind: routeCaption}
		}
	}
	return t
}

// Video returns the video stream of the table.
func (t *PidHandlerTable) Video() PMTESInfo { return t.video }

// Audio returns the audio streams of the table.
func (t *PidHandlerTable) Audio() []PMTESInfo { return t.audio }

// Caption returns the caption stream of the table.
func (t *PidHandlerTable) Caption() PMTESInfo { return t.caption }

func (t *PidHandlerTable) equal(o *PidHandlerTable) bool {
	return o != nil && t.video == o.video && t.caption == o.caption && slices.Equal(t.audio, o.audio)
}

// PacketSelector tracks PAT and PMT for the configured service and routes
// elementary stream packets to a SelectorHandler. A PMT that moves the
// video PID is staged and takes effect on the first packet of the new
// video PID, so every packet is routed by exactly one table.
type PacketSelector struct {
	log *slog.Logger
	cfg SelectorConfig
	h   SelectorHandler

	tsid      int
	serviceID int
	pmtPID    int
	pcrPID    int

	cur             *PidHandlerTable
	next            *PidHandlerTable
	waitingNewVideo bool

	pat *SectionAssembler
	pmt *SectionAssembler
	tot *SectionAssembler

	clock         int64
	err           error
	missingWarned bool
	noVideoWarned bool
}

// NewPacketSelector creates a selector. A nil logger uses slog.Default().
func NewPacketSelector(log *slog.Logger, cfg SelectorConfig, h SelectorHandler) *PacketSelector {
	if log == nil {
		log = slog.Default()
	}
	s := &PacketSelector{
		log:       log.With("component", "selector"),
		cfg:       cfg,
		h:         h,
		tsid:      -1,
		serviceID: -1,
		pmtPID:    -1,
		pcrPID:    -1,
		cur:       emptyTable,
	}
	s.pat = NewSectionAssembler(s.onPAT)
	s.pmt = NewSectionAssembler(s.onPMT)
	s.tot = NewSectionAssembler(s.onTime)
	return s
}

// InputTsPacket routes one packet stamped with its system clock. The only
// error is a fatal service selection failure.
func (s *PacketSelector) InputTsPacket(clock int64, p Packet) error {
	if s.err != nil {
		return s.err
	}
	s.clock = clock
	pid := p.PID()
	switch {
	case pid == PIDPAT:
		s.pat.Push(p)
	case s.pmtPID >= 0 && int(pid) == s.pmtPID:
		s.pmt.Push(p)
	case pid == PIDTOT:
		s.tot.Push(p)
	default:
		if s.waitingNewVideo && int(pid) == s.next.video.PID {
			s.swap()
		}
		r, ok := s.cur.routes[pid]
		if !ok {
			return nil
		}
		switch r.kind {
		case routeVideo:
			s.h.OnVideoPacket(clock, p)
		case routeAudio:
			s.h.OnAudioPacket(clock, p, r.index)
		case routeCaption:
			s.h.OnCaptionPacket(clock, p)
		}
	}
	return s.err
}

// TransportStreamID returns the TSID of the last PAT, or -1.
func (s *PacketSelector) TransportStreamID() int { return s.tsid }

// ServiceID returns the selected program number, or -1.
func (s *PacketSelector) ServiceID() int { return s.serviceID }

// PMTPID returns the PMT PID of the selected service, or -1.
func (s *PacketSelector) PMTPID() int { return s.pmtPID }

// PCRPID returns the PCR PID of the selected service, or -1 before its PMT
// has been seen.
func (s *PacketSelector) PCRPID() int { return s.pcrPID }

// Table returns the routing table currently in effect.
func (s *PacketSelector) Table() *PidHandlerTable { return s.cur }

// WaitingNewVideo reports whether a staged table waits for the first
// packet of a new video PID.
func (s *PacketSelector) WaitingNewVideo() bool { return s.waitingNewVideo }

func (s *PacketSelector) swap() {
	s.log.Info("switching to new video PID",
		"old_pid", s.cur.video.PID, "new_pid", s.next.video.PID)
	s.cur = s.next
	s.next = nil
	s.waitingNewVideo = false
	s.notify()
}

func (s *PacketSelector) notify() {
	s.h.OnPidTableChanged(s.cur.video, s.cur.audio, s.cur.caption)
}

func (s *PacketSelector) onPAT(section []byte) {
	pat := PAT{PsiSection{Data: section}}
	if !pat.Parse() || !pat.Check() || !pat.CurrentNext() {
		return
	}
	s.tsid = int(pat.TransportStreamID())

	var programs []PATElement
	for i := 0; i < pat.NumElems(); i++ {
		if e := pat.Get(i); e.ProgramNumber != 0 {
			programs = append(programs, e)
		}
	}

	var sel PATElement
	found := false
	if s.cfg.ServiceID > 0 {
		for _, e := range programs {
			if int(e.ProgramNumber) == s.cfg.ServiceID {
				sel, found = e, true
				break
			}
		}
		if !found {
			if !s.missingWarned {
				s.log.Warn("service not found in PAT", "service_id", s.cfg.ServiceID, "tsid", s.tsid)
				s.missingWarned = true
			}
			return
		}
	} else {
		if s.cfg.ServiceIndex < 0 || s.cfg.ServiceIndex >= len(programs) {
			s.err = fmt.Errorf("%w: index %d, %d services", ErrServiceIndex, s.cfg.ServiceIndex, len(programs))
			return
		}
		sel = programs[s.cfg.ServiceIndex]
	}

	if int(sel.ProgramNumber) == s.serviceID && int(sel.PID) == s.pmtPID {
		return
	}
	s.log.Info("service selected", "service_id", sel.ProgramNumber, "pmt_pid", sel.PID, "tsid", s.tsid)
	s.serviceID = int(sel.ProgramNumber)
	s.pmtPID = int(sel.PID)
	s.pcrPID = -1
	s.pmt.Reset()
	s.cur = emptyTable
	s.next = nil
	s.waitingNewVideo = false
}

func (s *PacketSelector) onPMT(section []byte) {
	pmt := PMT{PsiSection: PsiSection{Data: section}}
	if !pmt.Parse() || !pmt.Check() || !pmt.CurrentNext() {
		return
	}
	if int(pmt.ProgramNumber()) != s.serviceID {
		return
	}
	s.pcrPID = int(pmt.PCRPID())

	t := newPidHandlerTable(SelectStreams(pmt))
	if t.equal(s.cur) {
		if s.waitingNewVideo {
			s.log.Info("staged video PID change withdrawn", "pid", s.cur.video.PID)
			s.next = nil
			s.waitingNewVideo = false
		}
		return
	}
	if s.waitingNewVideo && t.equal(s.next) {
		return
	}
	if !t.video.Valid() {
		if !s.noVideoWarned {
			s.log.Warn("no video stream in PMT", "service_id", s.serviceID)
			s.noVideoWarned = true
		}
	}
	if s.cur.video.Valid() && t.video.Valid() && t.video.PID != s.cur.video.PID {
		s.log.Warn("video PID changed, waiting for first packet of new PID",
			"old_pid", s.cur.video.PID, "new_pid", t.video.PID)
		s.next = t
		s.waitingNewVideo = true
		return
	}
	s.next = nil
	s.waitingNewVideo = false
	s.cur = t
	s.log.Debug("PID table updated", "video_pid", t.video.PID, "audio", len(t.audio), "caption_pid", t.caption.PID)
	s.notify()
}

func (s *PacketSelector) onTime(section []byte) {
	if len(section) < 1 {
		return
	}
	var (
		jst time.Time
		ok  bool
	)
	switch section[0] {
	case TableIDTDT:
		tdt := TDT{PsiSection{Data: section}}
		if !tdt.Parse() || !tdt.Check() {
			return
		}
		jst, ok = tdt.JST()
	case TableIDTOT:
		tot := TOT{PsiSection{Data: section}}
		if !tot.Parse() || !tot.Check() {
			return
		}
		jst, ok = tot.JST()
	}
	if ok {
		s.h.OnTime(s.clock, jst)
	}
}

// SelectStreams picks the first video stream, every ADTS audio stream and
// the first ARIB caption stream (private PES with component tag 0x30 or
// 0x87) from a PMT.
func SelectStreams(pmt PMT) (video PMTESInfo, audio []PMTESInfo, caption PMTESInfo) {
	video, caption = NoStream, NoStream
	for i := 0; i < pmt.NumElems(); i++ {
		e := pmt.Get(i)
		info := PMTESInfo{StreamType: int(e.StreamType), PID: int(e.ElementaryPID)}
		switch e.StreamType {
		case StreamTypeMPEG2Video, StreamTypeH264:
			if !video.Valid() {
				video = info
			}
		case StreamTypeADTS:
			audio = append(audio, info)
		case StreamTypePrivatePES:
			if caption.Valid() {
				continue
			}
			if tag := ComponentTag(e.Descriptors); tag == 0x30 || tag == 0x87 {
				caption = info
			}
		}
	}
	return video, audio, caption
}
