package demux

import (
	"github.com/zsiec/tsreform/internal/bits"
)

// MPEG-2 video start code values (ISO/IEC 13818-2 Table 6-1).
const (
	mpeg2PictureStart  = 0x00
	mpeg2SequenceStart = 0xB3
	mpeg2Extension     = 0xB5
	mpeg2GroupStart    = 0xB8

	extSequence        = 1
	extSequenceDisplay = 2
	extPictureCoding   = 8
)

// Picture structure codes.
const (
	picStructTopField    = 1
	picStructBottomField = 2
	picStructFrame       = 3
)

var mpeg2FrameRates = [...][2]int{
	{0, 0}, {24000, 1001}, {24, 1}, {25, 1}, {30000, 1001}, {30, 1}, {50, 1}, {60000, 1001}, {60, 1},
}

// Mpeg2Sequence holds the sequence-level header fields.
type Mpeg2Sequence struct {
	Width           int
	Height          int
	AspectRatioInfo int
	FrameRateCode   int
	ProgressiveSeq  bool
	FrameRateExtN   int
	FrameRateExtD   int
	DisplayWidth    int
	DisplayHeight   int
	ColorPrimaries  int
	TransferChar    int
	MatrixCoeffs    int
	hasDisplayExt   bool
}

// Format derives the VideoFormat of the sequence.
func (s Mpeg2Sequence) Format() VideoFormat {
	f := VideoFormat{
		Codec:          CodecMPEG2,
		Width:          s.Width,
		Height:         s.Height,
		DisplayWidth:   s.Width,
		DisplayHeight:  s.Height,
		Progressive:    s.ProgressiveSeq,
		ColorPrimaries: s.ColorPrimaries,
		TransferChar:   s.TransferChar,
		MatrixCoeffs:   s.MatrixCoeffs,
	}
	if s.hasDisplayExt && s.DisplayWidth > 0 && s.DisplayHeight > 0 {
		f.DisplayWidth, f.DisplayHeight = s.DisplayWidth, s.DisplayHeight
	}
	if s.FrameRateCode > 0 && s.FrameRateCode < len(mpeg2FrameRates) {
		r := mpeg2FrameRates[s.FrameRateCode]
		f.FrameRateNum, f.FrameRateDen = reduce(r[0]*(s.FrameRateExtN+1), r[1]*(s.FrameRateExtD+1))
	}
	f.SarWidth, f.SarHeight = 1, 1
	var darW, darH int
	switch s.AspectRatioInfo {
	case 2:
		darW, darH = 4, 3
	case 3:
		darW, darH = 16, 9
	case 4:
		darW, darH = 221, 100
	}
	if darW > 0 && f.DisplayWidth > 0 && f.DisplayHeight > 0 {
		f.SarWidth, f.SarHeight = reduce(darW*f.DisplayHeight, darH*f.DisplayWidth)
	}
	return f
}

func parseMpeg2Sequence(b []byte, seq *Mpeg2Sequence) bool {
	r := &golomb{r: bits.NewReader(b)}
	seq.Width = int(r.u(12))
	seq.Height = int(r.u(12))
	seq.AspectRatioInfo = int(r.u(4))
	seq.FrameRateCode = int(r.u(4))
	seq.ProgressiveSeq = false
	seq.FrameRateExtN, seq.FrameRateExtD = 0, 0
	seq.ColorPrimaries, seq.TransferChar, seq.MatrixCoeffs = 1, 1, 1
	seq.hasDisplayExt = false
	return r.err == nil && seq.Width > 0 && seq.Height > 0
}

type mpeg2Picture struct {
	typ       FrameType
	structure int
	tff       bool
	rff       bool
	gop       bool
	size      int
}

func (p *mpeg2Picture) pictureType(progressiveSeq bool) PictureType {
	if progressiveSeq {
		switch {
		case p.rff && p.tff:
			return PicFrameTripling
		case p.rff:
			return PicFrameDoubling
		}
		return PicFrame
	}
	switch {
	case p.tff && p.rff:
		return PicTFFRFF
	case p.rff:
		return PicBFFRFF
	case p.tff:
		return PicTFF
	}
	return PicBFF
}

// MPEG2Parser delimits MPEG-2 video pictures in PES payloads.
type MPEG2Parser struct {
	seq     Mpeg2Sequence
	haveSeq bool
	format  VideoFormat
	fields  fieldPair
}

// NewMPEG2Parser returns an MPEG-2 video parser.
func NewMPEG2Parser() *MPEG2Parser {
	return &MPEG2Parser{}
}

func (p *MPEG2Parser) Reset() {
	p.seq = Mpeg2Sequence{}
	p.haveSeq = false
	p.format = VideoFormat{}
	p.fields.reset()
}

// Sequence returns the current sequence header fields.
func (p *MPEG2Parser) Sequence() (Mpeg2Sequence, bool) { return p.seq, p.haveSeq }

// Unpaired returns the number of field pictures dropped for lack of a
// complementary field.
func (p *MPEG2Parser) Unpaired() int { return p.fields.Unpaired }

func (p *MPEG2Parser) InputFrame(payload []byte, pts, dts int64) ([]VideoFrameInfo, bool) {
	var pics []mpeg2Picture
	gop := false
	lastEnd := 0
	for _, u := range scanStartCodes(payload) {
		code := payload[u.start]
		body := payload[u.start+1 : u.end]
		switch {
		case code == mpeg2SequenceStart:
			var seq Mpeg2Sequence
			if parseMpeg2Sequence(body, &seq) {
				p.seq = seq
				p.haveSeq = true
			}
			gop = true
		case code == mpeg2GroupStart:
			gop = true
		case code == mpeg2Extension && len(body) > 0:
			var cur *mpeg2Picture
			if len(pics) > 0 {
				cur = &pics[len(pics)-1]
			}
			p.parseExtension(body, cur)
		case code == mpeg2PictureStart:
			if len(body) < 2 {
				continue
			}
			if len(pics) > 0 {
				pics[len(pics)-1].size = u.start - 3 - lastEnd
			}
			lastEnd = u.start - 3
			if len(pics) == 0 {
				lastEnd = 0
			}
			pt := FrameType((body[1] >> 3) & 0x07)
			if pt > FrameB {
				pt = FrameUnknown
			}
			pics = append(pics, mpeg2Picture{typ: pt, structure: picStructFrame, gop: gop})
			gop = false
		}
	}
	if !p.haveSeq || len(pics) == 0 {
		return nil, false
	}
	pics[len(pics)-1].size = len(payload) - lastEnd
	p.format = p.seq.Format()

	var out []VideoFrameInfo
	step := p.format.FrameDuration()
	for _, pic := range pics {
		info := VideoFrameInfo{
			Format:        p.format,
			IsGopStart:    pic.gop,
			Type:          pic.typ,
			PTS:           -1,
			DTS:           -1,
			CodedDataSize: pic.size,
		}
		if pic.structure != picStructFrame {
			// The merged frame keeps the timestamps of its first field.
			info.PTS, info.DTS = shiftTS(pts, len(out), step), shiftTS(dts, len(out), step)
			if f, ok := p.fields.add(info, pic.structure == picStructTopField); ok {
				out = append(out, f)
			}
			continue
		}
		if p.fields.pending {
			p.fields.Unpaired++
			p.fields.reset()
		}
		info.Pic = pic.pictureType(p.seq.ProgressiveSeq)
		info.PTS, info.DTS = shiftTS(pts, len(out), step), shiftTS(dts, len(out), step)
		out = append(out, info)
	}
	return out, true
}

func (p *MPEG2Parser) parseExtension(body []byte, pic *mpeg2Picture) {
	r := &golomb{r: bits.NewReader(body)}
	switch r.u(4) {
	case extSequence:
		r.u(8) // profile_and_level_indication
		prog := r.flag()
		r.u(2) // chroma_format
		wExt := int(r.u(2))
		hExt := int(r.u(2))
		r.u(12) // bit_rate_extension
		r.u(1)  // marker_bit
		r.u(8)  // vbv_buffer_size_extension
		r.u(1)  // low_delay
		n := int(r.u(2))
		d := int(r.u(5))
		if r.err == nil && p.haveSeq {
			p.seq.ProgressiveSeq = prog
			p.seq.Width |= wExt << 12
			p.seq.Height |= hExt << 12
			p.seq.FrameRateExtN, p.seq.FrameRateExtD = n, d
		}
	case extSequenceDisplay:
		r.u(3) // video_format
		if r.flag() {
			cp, tc, mc := int(r.u(8)), int(r.u(8)), int(r.u(8))
			if r.err == nil && p.haveSeq {
				p.seq.ColorPrimaries, p.seq.TransferChar, p.seq.MatrixCoeffs = cp, tc, mc
			}
		}
		w := int(r.u(14))
		r.u(1)
		h := int(r.u(14))
		if r.err == nil && p.haveSeq {
			p.seq.DisplayWidth, p.seq.DisplayHeight = w, h
			p.seq.hasDisplayExt = true
		}
	case extPictureCoding:
		if pic == nil {
			return
		}
		r.u(16) // f_code
		r.u(2)  // intra_dc_precision
		structure := int(r.u(2))
		tff := r.flag()
		r.u(5) // frame_pred_frame_dct .. alternate_scan
		rff := r.flag()
		if r.err != nil {
			return
		}
		if structure != 0 {
			pic.structure = structure
		}
		pic.tff, pic.rff = tff, rff
	}
}
