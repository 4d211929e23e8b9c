package demux

import (
	"errors"
	"fmt"

	"github.com/nareix/joy4/codec/h264parser"

	"github.com/zsiec/tsreform/internal/bits"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

const seiTypePicTiming = 1

var errSPSTooShort = errors.New("SPS data too short")

// SPSInfo holds the Sequence Parameter Set fields needed to delimit
// pictures, derive the video format and walk pic_timing SEI messages.
type SPSInfo struct {
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte

	Width  int
	Height int

	SeparateColourPlane bool
	Log2MaxFrameNum     int
	FrameMbsOnly        bool

	SarWidth       int
	SarHeight      int
	ColorPrimaries int
	TransferChar   int
	MatrixCoeffs   int
	FullRange      bool

	NumUnitsInTick uint32
	TimeScale      uint32

	PicStructPresent   bool
	HRDPresent         bool
	CpbRemovalDelayLen int
	DpbOutputDelayLen  int
	TimeOffsetLen      int
}

// CodecString returns the RFC 6381 codec parameter string (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// FrameRate returns the frame rate from the VUI timing information. Field
// based time_scale counts two ticks per frame.
func (s SPSInfo) FrameRate() (num, den int) {
	if s.NumUnitsInTick == 0 || s.TimeScale == 0 {
		return 0, 0
	}
	return reduce(int(s.TimeScale), 2*int(s.NumUnitsInTick))
}

// Format returns the VideoFormat described by the SPS.
func (s SPSInfo) Format() VideoFormat {
	num, den := s.FrameRate()
	return VideoFormat{
		Codec:          CodecH264,
		Width:          s.Width,
		Height:         s.Height,
		DisplayWidth:   s.Width,
		DisplayHeight:  s.Height,
		SarWidth:       s.SarWidth,
		SarHeight:      s.SarHeight,
		FrameRateNum:   num,
		FrameRateDen:   den,
		Progressive:    s.FrameMbsOnly,
		ColorPrimaries: s.ColorPrimaries,
		TransferChar:   s.TransferChar,
		MatrixCoeffs:   s.MatrixCoeffs,
		FullColorRange: s.FullRange,
	}
}

// Table E-1 sample aspect ratios, indexed by aspect_ratio_idc.
var h264SampleAspect = [...][2]int{
	{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33}, {24, 11}, {20, 11},
	{32, 11}, {80, 33}, {18, 11}, {15, 11}, {64, 33}, {160, 99}, {4, 3}, {3, 2}, {2, 1},
}

// golomb wraps bits.Reader with a sticky error so header walks read as a
// straight sequence of syntax elements.
type golomb struct {
	r   *bits.Reader
	err error
}

func (g *golomb) u(n int) uint {
	if g.err != nil {
		return 0
	}
	v, err := g.r.ReadBits(n)
	g.err = err
	return v
}

func (g *golomb) flag() bool { return g.u(1) == 1 }

func (g *golomb) ue() uint {
	if g.err != nil {
		return 0
	}
	v, err := g.r.ReadUE()
	g.err = err
	return v
}

func (g *golomb) se() int {
	if g.err != nil {
		return 0
	}
	v, err := g.r.ReadSE()
	g.err = err
	return v
}

func (g *golomb) skipScalingList(size int) {
	lastScale, nextScale := 8, 8
	for j := 0; j < size && g.err == nil; j++ {
		if nextScale != 0 {
			nextScale = (lastScale + g.se() + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

func hasChromaInfo(profile uint) bool {
	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an H.264 SPS NAL unit. The input is the raw NAL data
// including the NAL header byte but without the start code.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	g := &golomb{r: bits.NewReader(bits.RemoveEmulationPrevention(nalu[1:]))}

	var info SPSInfo
	profile := g.u(8)
	info.ProfileIDC = byte(profile)
	info.ConstraintFlags = byte(g.u(8))
	info.LevelIDC = byte(g.u(8))
	g.ue() // seq_parameter_set_id

	chromaFormatIdc := uint(1)
	if hasChromaInfo(profile) {
		chromaFormatIdc = g.ue()
		if chromaFormatIdc == 3 {
			info.SeparateColourPlane = g.flag()
		}
		g.ue() // bit_depth_luma_minus8
		g.ue() // bit_depth_chroma_minus8
		g.u(1) // qpprime_y_zero_transform_bypass_flag
		// seq_scaling_matrix_present_flag
		if g.flag() {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				if g.flag() {
					size := 16
					if i >= 6 {
						size = 64
					}
					g.skipScalingList(size)
				}
			}
		}
	}

	info.Log2MaxFrameNum = int(g.ue()) + 4

	switch g.ue() { // pic_order_cnt_type
	case 0:
		g.ue()
	case 1:
		g.u(1)
		g.se()
		g.se()
		n := g.ue()
		for i := uint(0); i < n && g.err == nil; i++ {
			g.se()
		}
	}

	g.ue() // max_num_ref_frames
	g.u(1) // gaps_in_frame_num_value_allowed_flag

	picWidthMbs := g.ue()
	picHeightMapUnits := g.ue()
	info.FrameMbsOnly = g.flag()
	if !info.FrameMbsOnly {
		g.u(1) // mb_adaptive_frame_field_flag
	}
	g.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if g.flag() {
		cropLeft, cropRight, cropTop, cropBottom = g.ue(), g.ue(), g.ue(), g.ue()
	}
	if g.err != nil {
		return SPSInfo{}, g.err
	}

	chromaArrayType := chromaFormatIdc
	if info.SeparateColourPlane {
		chromaArrayType = 0
	}
	subWidthC, subHeightC := uint(2), uint(2)
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	}
	frameMbsOnly := uint(0)
	if info.FrameMbsOnly {
		frameMbsOnly = 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)
	info.Width = int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	info.Height = int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))
	info.SarWidth, info.SarHeight = 1, 1
	info.ColorPrimaries, info.TransferChar, info.MatrixCoeffs = 2, 2, 2

	if !g.flag() { // vui_parameters_present_flag
		return info, nil
	}
	parseVUI(g, &info)
	return info, nil
}

// parseVUI reads the VUI fields. A truncated VUI keeps whatever was read.
func parseVUI(g *golomb, info *SPSInfo) {
	if g.flag() { // aspect_ratio_info_present_flag
		idc := int(g.u(8))
		switch {
		case idc == 255:
			info.SarWidth, info.SarHeight = int(g.u(16)), int(g.u(16))
		case idc > 0 && idc < len(h264SampleAspect):
			info.SarWidth, info.SarHeight = h264SampleAspect[idc][0], h264SampleAspect[idc][1]
		}
	}
	if g.flag() { // overscan_info_present_flag
		g.u(1)
	}
	if g.flag() { // video_signal_type_present_flag
		g.u(3) // video_format
		info.FullRange = g.flag()
		if g.flag() {
			info.ColorPrimaries = int(g.u(8))
			info.TransferChar = int(g.u(8))
			info.MatrixCoeffs = int(g.u(8))
		}
	}
	if g.flag() { // chroma_loc_info_present_flag
		g.ue()
		g.ue()
	}
	if g.flag() { // timing_info_present_flag
		info.NumUnitsInTick = uint32(g.u(32))
		info.TimeScale = uint32(g.u(32))
		g.u(1) // fixed_frame_rate_flag
	}

	parseHRD := func() {
		cpbCnt := g.ue()
		g.u(8) // bit_rate_scale + cpb_size_scale
		for i := uint(0); i <= cpbCnt && g.err == nil; i++ {
			g.ue()
			g.ue()
			g.u(1)
		}
		g.u(5) // initial_cpb_removal_delay_length_minus1
		info.CpbRemovalDelayLen = int(g.u(5)) + 1
		info.DpbOutputDelayLen = int(g.u(5)) + 1
		info.TimeOffsetLen = int(g.u(5))
		info.HRDPresent = g.err == nil
	}
	nalHRD := g.flag()
	if nalHRD {
		parseHRD()
	}
	vclHRD := g.flag()
	if vclHRD && !info.HRDPresent {
		parseHRD()
	} else if vclHRD {
		// Both HRDs share the delay lengths; parse the second only to skip it.
		saved := *info
		parseHRD()
		*info = saved
	}
	if nalHRD || vclHRD {
		g.u(1) // low_delay_hrd_flag
	}
	ps := g.flag()
	if g.err == nil {
		info.PicStructPresent = ps
	}
}

// NALUnit represents a parsed H.264 NAL unit.
type NALUnit struct {
	Type byte   // 5-bit nal_unit_type
	Data []byte // raw NAL data including the header byte, without start code
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte
// (0x000001) and 4-byte (0x00000001) start codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	for _, r := range scanStartCodes(data) {
		nal := data[r.start:r.end]
		// Trailing zero bytes belong to the next 4-byte start code.
		for len(nal) > 1 && nal[len(nal)-1] == 0 {
			nal = nal[:len(nal)-1]
		}
		if len(nal) < 1 {
			continue
		}
		units = append(units, NALUnit{Type: nal[0] & 0x1F, Data: nal})
	}
	return units
}

type unitRange struct {
	start int // first byte after the start code
	end   int
}

// scanStartCodes returns the non-empty ranges between 0x000001 start codes.
// Each range starts just past the prefix.
func scanStartCodes(data []byte) []unitRange {
	var starts []int
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
			i += 3
			continue
		}
		i++
	}
	out := make([]unitRange, 0, len(starts))
	for k, s := range starts {
		end := len(data)
		if k+1 < len(starts) {
			end = starts[k+1] - 3
		}
		if end > s {
			out = append(out, unitRange{s, end})
		}
	}
	return out
}

// IsKeyframe returns true if the NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// picStructFromSEI returns the pic_struct of the first pic_timing message
// in an SEI NAL unit, or -1.
func picStructFromSEI(seiNALU []byte, sps *SPSInfo) int {
	if len(seiNALU) < 2 || !sps.PicStructPresent {
		return -1
	}
	rbsp := bits.RemoveEmulationPrevention(seiNALU[1:])
	i := 0
	for i < len(rbsp) && rbsp[i] != 0x80 {
		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++
		if i+payloadSize > len(rbsp) {
			break
		}

		if payloadType == seiTypePicTiming {
			g := &golomb{r: bits.NewReader(rbsp[i : i+payloadSize])}
			if sps.HRDPresent {
				g.u(sps.CpbRemovalDelayLen)
				g.u(sps.DpbOutputDelayLen)
			}
			ps := int(g.u(4))
			if g.err != nil {
				return -1
			}
			return ps
		}
		i += payloadSize
	}
	return -1
}

// pictureTypeFromPicStruct maps an H.264 pic_struct (Table D-1) of a frame
// picture to a PictureType.
func pictureTypeFromPicStruct(ps int, progressive bool) PictureType {
	switch ps {
	case 0:
		return PicFrame
	case 3:
		return PicTFF
	case 4:
		return PicBFF
	case 5:
		return PicTFFRFF
	case 6:
		return PicBFFRFF
	case 7:
		return PicFrameDoubling
	case 8:
		return PicFrameTripling
	}
	if progressive {
		return PicFrame
	}
	return PicTFF
}

type sliceHeader struct {
	firstMB uint
	typ     FrameType
	field   bool
	bottom  bool
}

func frameTypeFromSlice(t h264parser.SliceType) FrameType {
	switch t {
	case h264parser.SLICE_I:
		return FrameI
	case h264parser.SLICE_P:
		return FrameP
	case h264parser.SLICE_B:
		return FrameB
	}
	return FrameUnknown
}

func parseSliceHeader(nal []byte, sps *SPSInfo) (sliceHeader, error) {
	st, err := h264parser.ParseSliceHeaderFromNALU(nal)
	if err != nil {
		return sliceHeader{}, err
	}
	g := &golomb{r: bits.NewReader(bits.RemoveEmulationPrevention(nal[1:]))}
	h := sliceHeader{typ: frameTypeFromSlice(st)}
	h.firstMB = g.ue()
	g.ue() // slice_type
	g.ue() // pic_parameter_set_id
	if sps.SeparateColourPlane {
		g.u(2)
	}
	g.u(sps.Log2MaxFrameNum)
	if !sps.FrameMbsOnly {
		h.field = g.flag()
		if h.field {
			h.bottom = g.flag()
		}
	}
	return h, g.err
}

// h264Picture is one coded picture (frame or field) found in a payload.
type h264Picture struct {
	hdr       sliceHeader
	gop       bool
	picStruct int
	size      int
}

// H264Parser delimits H.264 pictures in PES payloads. Each payload is
// expected to start on an access unit boundary, as broadcast streams do.
type H264Parser struct {
	sps    *SPSInfo
	format VideoFormat
	fields fieldPair

	// Extrapolated counts frames whose PTS was derived from an earlier
	// frame of the same payload instead of carried by their own PES.
	Extrapolated int

	// SEIHandler, when set, receives every SEI NAL unit with the PTS of the
	// payload that carried it.
	SEIHandler func(nal []byte, pts int64)
}

// NewH264Parser returns an H.264 video parser.
func NewH264Parser() *H264Parser {
	return &H264Parser{}
}

func (p *H264Parser) Reset() {
	p.sps = nil
	p.format = VideoFormat{}
	p.fields.reset()
}

// SPS returns the most recent SPS, or nil.
func (p *H264Parser) SPS() *SPSInfo { return p.sps }

// Unpaired returns the number of field pictures dropped for lack of a
// complementary field.
func (p *H264Parser) Unpaired() int { return p.fields.Unpaired }

func (p *H264Parser) InputFrame(payload []byte, pts, dts int64) ([]VideoFrameInfo, bool) {
	var pics []h264Picture
	gop, picStruct, extra := false, -1, 0
	for _, nal := range ParseAnnexB(payload) {
		size := len(nal.Data) + 3
		switch nal.Type {
		case NALTypeSPS:
			if info, err := ParseSPS(nal.Data); err == nil {
				p.sps = &info
				p.format = info.Format()
			}
			gop = true
		case NALTypeSEI:
			if p.sps != nil {
				if ps := picStructFromSEI(nal.Data, p.sps); ps >= 0 {
					picStruct = ps
				}
			}
			if p.SEIHandler != nil {
				p.SEIHandler(nal.Data, pts)
			}
		case NALTypeSlice, NALTypeIDR:
			if p.sps == nil {
				continue
			}
			hdr, err := parseSliceHeader(nal.Data, p.sps)
			if err != nil {
				continue
			}
			if hdr.firstMB == 0 || len(pics) == 0 {
				pics = append(pics, h264Picture{
					hdr:       hdr,
					gop:       gop || nal.Type == NALTypeIDR,
					picStruct: picStruct,
					size:      extra + size,
				})
				gop, picStruct, extra = false, -1, 0
				continue
			}
			last := &pics[len(pics)-1]
			last.size += extra + size
			if hdr.typ == FrameI && last.hdr.typ != FrameI {
				last.hdr.typ = FrameI
			}
			extra = 0
			continue
		}
		extra += size
	}
	if p.sps == nil || len(pics) == 0 {
		return nil, false
	}
	if len(pics) == 1 {
		pics[0].size = len(payload)
	} else {
		pics[len(pics)-1].size += extra
	}

	var out []VideoFrameInfo
	step := p.format.FrameDuration()
	for _, pic := range pics {
		info := VideoFrameInfo{
			Format:        p.format,
			IsGopStart:    pic.gop,
			Type:          pic.hdr.typ,
			PTS:           -1,
			DTS:           -1,
			CodedDataSize: pic.size,
		}
		if pic.hdr.field {
			// The merged frame keeps the timestamps of its first field.
			info.PTS, info.DTS = shiftTS(pts, len(out), step), shiftTS(dts, len(out), step)
			if f, ok := p.fields.add(info, !pic.hdr.bottom); ok {
				out = append(out, f)
			}
			continue
		}
		if p.fields.pending {
			p.fields.Unpaired++
			p.fields.reset()
		}
		info.Pic = pictureTypeFromPicStruct(pic.picStruct, p.sps.FrameMbsOnly)
		info.PTS, info.DTS = shiftTS(pts, len(out), step), shiftTS(dts, len(out), step)
		out = append(out, info)
	}
	if len(out) > 1 {
		p.Extrapolated += len(out) - 1
	}
	return out, true
}
