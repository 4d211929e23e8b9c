// Package probe scans the PSI/SI tables of a transport stream without
// demuxing it: the services of the PAT with their streams, names and
// present/following events, the broadcast time, and optionally the first
// video format of every service.
package probe

import (
	"log/slog"
	"slices"
	"time"

	"github.com/zsiec/tsreform/internal/demux"
	"github.com/zsiec/tsreform/internal/mpegts"
)

// Event is a present or following programme. Name and Text are raw ARIB
// 8-bit character strings.
type Event struct {
	EventID   int           `json:"eventId"`
	StartTime time.Time     `json:"startTime,omitzero"`
	Duration  time.Duration `json:"duration"`
	Language  string        `json:"language,omitempty"`
	Name      []byte        `json:"name,omitempty"`
	Text      []byte        `json:"text,omitempty"`
}

// Service is one program of the PAT.
type Service struct {
	ServiceID   int                `json:"serviceId"`
	PMTPID      int                `json:"pmtPid"`
	PCRPID      int                `json:"pcrPid"`
	ServiceType int                `json:"serviceType"`
	Provider    []byte             `json:"provider,omitempty"`
	Name        []byte             `json:"name,omitempty"`
	Video       mpegts.PMTESInfo   `json:"video"`
	Audio       []mpegts.PMTESInfo `json:"audio,omitempty"`
	Caption     mpegts.PMTESInfo   `json:"caption"`
	VideoFormat *demux.VideoFormat `json:"videoFormat,omitempty"`
	Present     *Event             `json:"present,omitempty"`
	Following   *Event             `json:"following,omitempty"`

	havePMT bool
}

// Info is the result of a scan.
type Info struct {
	TransportStreamID int        `json:"tsid"`
	OriginalNetworkID int        `json:"onid"`
	Services          []*Service `json:"services"`
	Time              time.Time  `json:"time,omitzero"`
}

// Service returns the service with the given program number.
func (in *Info) Service(id int) *Service {
	for _, s := range in.Services {
		if s.ServiceID == id {
			return s
		}
	}
	return nil
}

type videoProbe struct {
	svc    *Service
	asm    *mpegts.PESAssembler
	parser demux.VideoParser
}

// Parser accumulates PSI/SI from a byte stream. It is not safe for
// concurrent use.
type Parser struct {
	log        *slog.Logger
	probeVideo bool

	packets *mpegts.PacketParser
	pat     *mpegts.SectionAssembler
	sdt     *mpegts.SectionAssembler
	eit     *mpegts.SectionAssembler
	tot     *mpegts.SectionAssembler
	pmts    map[uint16]*mpegts.SectionAssembler
	videos  map[uint16]*videoProbe

	info    Info
	havePAT bool
	haveSDT bool
	count   int64
}

// New creates a parser. With probeVideo set, the video stream of every
// service is parsed until its first frame.
func New(log *slog.Logger, probeVideo bool) *Parser {
	if log == nil {
		log = slog.Default()
	}
	p := &Parser{
		log:        log.With("component", "probe"),
		probeVideo: probeVideo,
		pmts:       make(map[uint16]*mpegts.SectionAssembler),
		videos:     make(map[uint16]*videoProbe),
		info:       Info{TransportStreamID: -1, OriginalNetworkID: -1},
	}
	p.packets = mpegts.NewPacketParser(p.onPacket)
	p.pat = mpegts.NewSectionAssembler(p.onPAT)
	p.sdt = mpegts.NewSectionAssembler(p.onSDT)
	p.eit = mpegts.NewSectionAssembler(p.onEIT)
	p.tot = mpegts.NewSectionAssembler(p.onTime)
	return p
}

// InputTsData feeds the next chunk of the stream.
func (p *Parser) InputTsData(data []byte) {
	p.packets.InputTsData(data)
}

// Packets returns the number of valid packets seen.
func (p *Parser) Packets() int64 { return p.count }

// Complete reports whether the PAT, every PMT and the SDT have been seen
// and, when probing video, every video stream has yielded a format.
func (p *Parser) Complete() bool {
	if !p.havePAT || !p.haveSDT {
		return false
	}
	for _, s := range p.info.Services {
		if !s.havePMT {
			return false
		}
		if p.probeVideo && s.Video.Valid() && s.VideoFormat == nil {
			return false
		}
	}
	return true
}

// Info returns the tables collected so far.
func (p *Parser) Info() Info { return p.info }

func (p *Parser) onPacket(pkt mpegts.Packet) {
	p.count++
	pid := pkt.PID()
	switch pid {
	case mpegts.PIDPAT:
		p.pat.Push(pkt)
		return
	case mpegts.PIDSDT:
		p.sdt.Push(pkt)
		return
	case mpegts.PIDEIT:
		p.eit.Push(pkt)
		return
	case mpegts.PIDTOT:
		p.tot.Push(pkt)
		return
	}
	if a, ok := p.pmts[pid]; ok {
		a.Push(pkt)
		return
	}
	if v, ok := p.videos[pid]; ok && v.parser != nil && pkt.ScramblingControl() == 0 {
		v.asm.Push(0, pkt)
	}
}

func (p *Parser) onPAT(section []byte) {
	pat := mpegts.PAT{PsiSection: mpegts.PsiSection{Data: section}}
	if !pat.Parse() || !pat.Check() || !pat.CurrentNext() {
		return
	}
	p.havePAT = true
	p.info.TransportStreamID = int(pat.TransportStreamID())
	for i := 0; i < pat.NumElems(); i++ {
		e := pat.Get(i)
		if e.ProgramNumber == 0 {
			continue
		}
		if p.info.Service(int(e.ProgramNumber)) != nil {
			continue
		}
		p.info.Services = append(p.info.Services, &Service{
			ServiceID: int(e.ProgramNumber),
			PMTPID:    int(e.PID),
			PCRPID:    -1,
			Video:     mpegts.NoStream,
			Caption:   mpegts.NoStream,
		})
		if _, ok := p.pmts[e.PID]; !ok {
			p.pmts[e.PID] = mpegts.NewSectionAssembler(p.onPMT)
		}
		p.log.Debug("service found", "service_id", e.ProgramNumber, "pmt_pid", e.PID)
	}
	slices.SortFunc(p.info.Services, func(a, b *Service) int { return a.ServiceID - b.ServiceID })
}

func (p *Parser) onPMT(section []byte) {
	pmt := mpegts.PMT{PsiSection: mpegts.PsiSection{Data: section}}
	if !pmt.Parse() || !pmt.Check() || !pmt.CurrentNext() {
		return
	}
	s := p.info.Service(int(pmt.ProgramNumber()))
	if s == nil || s.havePMT {
		return
	}
	s.havePMT = true
	s.PCRPID = int(pmt.PCRPID())
	s.Video, s.Audio, s.Caption = mpegts.SelectStreams(pmt)
	if !p.probeVideo || !s.Video.Valid() {
		return
	}
	pid := uint16(s.Video.PID)
	if _, ok := p.videos[pid]; ok {
		return
	}
	vp := &videoProbe{svc: s}
	if parser, ok := demux.NewVideoParser(s.Video.StreamType); ok {
		vp.parser = parser
		vp.asm = mpegts.NewPESAssembler(func(_ int64, data []byte) { p.onVideoPES(vp, data) })
	}
	p.videos[pid] = vp
}

func (p *Parser) onVideoPES(vp *videoProbe, data []byte) {
	if vp.svc.VideoFormat != nil {
		return
	}
	pes := mpegts.PESPacket{Data: data}
	if !pes.Parse() || !pes.Check() || !pes.HasPTS() {
		return
	}
	dts := pes.PTS()
	if pes.HasDTS() {
		dts = pes.DTS()
	}
	frames, ok := vp.parser.InputFrame(pes.Payload(), pes.PTS(), dts)
	if !ok || len(frames) == 0 {
		return
	}
	f := frames[0].Format
	vp.svc.VideoFormat = &f
	p.log.Debug("video format", "service_id", vp.svc.ServiceID, "format", f.String())
}

func (p *Parser) onSDT(section []byte) {
	sdt := mpegts.SDT{PsiSection: mpegts.PsiSection{Data: section}}
	if !sdt.Parse() || !sdt.Check() || sdt.TableID() != mpegts.TableIDSDTActual {
		return
	}
	if !p.havePAT {
		// Names attach to PAT services; use a later repetition.
		return
	}
	p.haveSDT = true
	p.info.OriginalNetworkID = int(sdt.OriginalNetworkID())
	for i := 0; i < sdt.NumElems(); i++ {
		e := sdt.Get(i)
		s := p.info.Service(int(e.ServiceID))
		if s == nil {
			continue
		}
		d, ok := mpegts.FindDescriptor(e.Descriptors, mpegts.DescTagService)
		if !ok {
			continue
		}
		if sd, ok := mpegts.ParseServiceDescriptor(d); ok {
			s.ServiceType = int(sd.ServiceType)
			s.Provider = slices.Clone(sd.ProviderName)
			s.Name = slices.Clone(sd.ServiceName)
		}
	}
}

func (p *Parser) onEIT(section []byte) {
	eit := mpegts.EIT{PsiSection: mpegts.PsiSection{Data: section}}
	if !eit.Parse() || !eit.Check() || eit.TableID() != mpegts.TableIDEITFirst {
		return
	}
	s := p.info.Service(int(eit.ServiceID()))
	if s == nil || eit.NumElems() == 0 {
		return
	}
	e := eit.Get(0)
	ev := &Event{EventID: int(e.EventID), StartTime: e.StartTime, Duration: e.Duration}
	if d, ok := mpegts.FindDescriptor(e.Descriptors, mpegts.DescTagShortEvent); ok {
		if se, ok := mpegts.ParseShortEventDescriptor(d); ok {
			ev.Language = se.Language
			ev.Name = slices.Clone(se.EventName)
			ev.Text = slices.Clone(se.Text)
		}
	}
	switch eit.SectionNumber() {
	case 0:
		s.Present = ev
	case 1:
		s.Following = ev
	}
}

func (p *Parser) onTime(section []byte) {
	if len(section) == 0 {
		return
	}
	switch section[0] {
	case mpegts.TableIDTDT:
		tdt := mpegts.TDT{PsiSection: mpegts.PsiSection{Data: section}}
		if tdt.Parse() && tdt.Check() {
			if t, ok := tdt.JST(); ok {
				p.info.Time = t
			}
		}
	case mpegts.TableIDTOT:
		tot := mpegts.TOT{PsiSection: mpegts.PsiSection{Data: section}}
		if tot.Parse() && tot.Check() {
			if t, ok := tot.JST(); ok {
				p.info.Time = t
			}
		}
	}
}
