package tstest

import (
	"bytes"

	"github.com/nareix/joy4/codec/aacparser"

	"github.com/zsiec/tsreform/internal/bits"
	"github.com/zsiec/tsreform/internal/mpegts"
)

// AnnexB joins NAL units with 4-byte start codes.
func AnnexB(nals ...[]byte) []byte {
	var b bytes.Buffer
	for _, n := range nals {
		b.Write([]byte{0, 0, 0, 1})
		b.Write(n)
	}
	return b.Bytes()
}

// EscapeRBSP inserts emulation prevention bytes into an RBSP.
func EscapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// H264Config describes the SPS produced by H264SPS.
type H264Config struct {
	Width          int // multiple of 16
	Height         int // multiple of 8
	Interlaced     bool
	NumUnitsInTick uint32
	TimeScale      uint32
	PicStruct      bool
}

// H264Default is 1920x1080 progressive at 30000/1001 with pic_struct.
var H264Default = H264Config{
	Width:          1920,
	Height:         1080,
	NumUnitsInTick: 1001,
	TimeScale:      60000,
	PicStruct:      true,
}

// H264SPS returns a Main profile SPS NAL unit.
func H264SPS(cfg H264Config) []byte {
	w := bits.NewWriter()
	w.PutBits(8, 77) // profile_idc
	w.PutBits(8, 0x40)
	w.PutBits(8, 40) // level_idc
	w.PutUE(0)       // seq_parameter_set_id
	w.PutUE(0)       // log2_max_frame_num_minus4
	w.PutUE(2)       // pic_order_cnt_type
	w.PutUE(1)       // max_num_ref_frames
	w.PutBit(false)  // gaps_in_frame_num_value_allowed_flag

	mbH := 16
	if cfg.Interlaced {
		mbH = 32
	}
	codedH := (cfg.Height + mbH - 1) / mbH * mbH
	w.PutUE(uint(cfg.Width/16 - 1))
	w.PutUE(uint(codedH/mbH - 1))
	w.PutBit(!cfg.Interlaced) // frame_mbs_only_flag
	if cfg.Interlaced {
		w.PutBit(false) // mb_adaptive_frame_field_flag
	}
	w.PutBit(true) // direct_8x8_inference_flag

	cropUnitY := 2
	if cfg.Interlaced {
		cropUnitY = 4
	}
	crop := (codedH - cfg.Height) / cropUnitY
	w.PutBit(crop > 0)
	if crop > 0 {
		w.PutUE(0)
		w.PutUE(0)
		w.PutUE(0)
		w.PutUE(uint(crop))
	}

	w.PutBit(true) // vui_parameters_present_flag
	w.PutBit(true) // aspect_ratio_info_present_flag
	w.PutBits(8, 1)
	w.PutBit(false) // overscan_info_present_flag
	w.PutBit(false) // video_signal_type_present_flag
	w.PutBit(false) // chroma_loc_info_present_flag
	w.PutBit(cfg.TimeScale > 0)
	if cfg.TimeScale > 0 {
		w.PutBits(32, uint64(cfg.NumUnitsInTick))
		w.PutBits(32, uint64(cfg.TimeScale))
		w.PutBit(true)
	}
	w.PutBit(false) // nal_hrd_parameters_present_flag
	w.PutBit(false) // vcl_hrd_parameters_present_flag
	w.PutBit(cfg.PicStruct)
	w.PutBit(false) // bitstream_restriction_flag
	w.TrailingBits()
	return append([]byte{0x67}, EscapeRBSP(w.Bytes())...)
}

// H264PPS returns a minimal PPS NAL unit.
func H264PPS() []byte {
	return []byte{0x68, 0xCE, 0x38, 0x80}
}

// H264AUD returns an access unit delimiter.
func H264AUD() []byte {
	return []byte{0x09, 0xF0}
}

// H.264 slice_type values covering all slices of a picture.
const (
	SliceP = 5
	SliceB = 6
	SliceI = 7
)

// H264Slice returns a slice NAL unit with the given header fields. field and
// bottom are only written for interlaced streams.
func H264Slice(idr bool, sliceType uint, firstMB uint, interlaced, field, bottom bool) []byte {
	w := bits.NewWriter()
	w.PutUE(firstMB)
	w.PutUE(sliceType)
	w.PutUE(0)      // pic_parameter_set_id
	w.PutBits(4, 0) // frame_num
	if interlaced {
		w.PutBit(field)
		if field {
			w.PutBit(bottom)
		}
	}
	w.TrailingBits()
	w.PutBytes([]byte{0x55, 0xAA, 0x55, 0xAA})
	hdr := byte(0x41)
	if idr {
		hdr = 0x65
	}
	return append([]byte{hdr}, EscapeRBSP(w.Bytes())...)
}

// H264PicTiming returns an SEI NAL unit with one pic_timing message. It
// assumes an SPS without HRD parameters.
func H264PicTiming(picStruct int) []byte {
	return []byte{0x06, 0x01, 0x01, byte(picStruct << 4), 0x80}
}

// CEA608SEI returns an SEI NAL unit carrying ATSC A/53 cc_data with the
// given field 1 byte pairs.
func CEA608SEI(pairs ...[2]byte) []byte {
	payload := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | byte(len(pairs)), 0xFF}
	for _, p := range pairs {
		payload = append(payload, 0xFC, p[0], p[1])
	}
	payload = append(payload, 0xFF)
	nal := []byte{0x06, 0x04, byte(len(payload))}
	nal = append(nal, payload...)
	return append(nal, 0x80)
}

// Mpeg2Config describes the sequence produced by Mpeg2Sequence.
type Mpeg2Config struct {
	Width         int
	Height        int
	AspectRatio   int // aspect_ratio_information
	FrameRateCode int
	Progressive   bool
}

// Mpeg2Default is 1440x1080 interlaced 16:9 at 30000/1001.
var Mpeg2Default = Mpeg2Config{Width: 1440, Height: 1080, AspectRatio: 3, FrameRateCode: 4}

// Mpeg2Sequence returns a sequence header followed by a sequence extension.
func Mpeg2Sequence(cfg Mpeg2Config) []byte {
	w := bits.NewWriter()
	w.PutBytes([]byte{0, 0, 1, 0xB3})
	w.PutBits(12, uint64(cfg.Width))
	w.PutBits(12, uint64(cfg.Height))
	w.PutBits(4, uint64(cfg.AspectRatio))
	w.PutBits(4, uint64(cfg.FrameRateCode))
	w.PutBits(18, 0x3FFFF) // bit_rate_value
	w.PutBit(true)
	w.PutBits(10, 0x3FF) // vbv_buffer_size_value
	w.PutBit(false)      // constrained_parameters_flag
	w.PutBit(false)      // load_intra_quantiser_matrix
	w.PutBit(false)      // load_non_intra_quantiser_matrix

	w.PutBytes([]byte{0, 0, 1, 0xB5})
	w.PutBits(4, 1)
	w.PutBits(8, 0x48) // Main profile, High level
	w.PutBit(cfg.Progressive)
	w.PutBits(2, 1) // 4:2:0
	w.PutBits(2, 0)
	w.PutBits(2, 0)
	w.PutBits(12, 0)
	w.PutBit(true)
	w.PutBits(8, 0)
	w.PutBit(false)
	w.PutBits(2, 0)
	w.PutBits(5, 0)
	return w.Bytes()
}

// Mpeg2GOP returns a closed GOP header.
func Mpeg2GOP() []byte {
	return []byte{0, 0, 1, 0xB8, 0x00, 0x08, 0x00, 0x40}
}

// Mpeg2Picture returns a picture header, picture coding extension and one
// slice of filler data. codingType is 1 (I), 2 (P) or 3 (B); structure is
// 1 (top field), 2 (bottom field) or 3 (frame).
func Mpeg2Picture(codingType, structure int, tff, rff bool) []byte {
	w := bits.NewWriter()
	w.PutBytes([]byte{0, 0, 1, 0x00})
	w.PutBits(10, 0) // temporal_reference
	w.PutBits(3, uint64(codingType))
	w.PutBits(16, 0xFFFF) // vbv_delay
	if codingType == 2 || codingType == 3 {
		w.PutBits(4, 0x7) // full_pel_forward_vector, forward_f_code
	}
	if codingType == 3 {
		w.PutBits(4, 0x7)
	}
	w.PutBit(false) // extra_bit_picture
	for w.Len()%8 != 0 {
		w.PutBit(false)
	}

	w.PutBytes([]byte{0, 0, 1, 0xB5})
	w.PutBits(4, 8)
	w.PutBits(16, 0xFFFF) // f_code
	w.PutBits(2, 0)       // intra_dc_precision
	w.PutBits(2, uint64(structure))
	w.PutBit(tff)
	w.PutBits(5, 0x10) // frame_pred_frame_dct set
	w.PutBit(rff)
	w.PutBit(true) // chroma_420_type
	// progressive_frame, then composite_display_flag
	w.PutBit(structure == 3)
	w.PutBit(false)
	for w.Len()%8 != 0 {
		w.PutBit(false)
	}

	w.PutBytes([]byte{0, 0, 1, 0x01})
	w.PutBytes(bytes.Repeat([]byte{0x11}, 32))
	return w.Bytes()
}

// ADTSFrame returns one AAC-LC ADTS frame with payloadLen filler bytes.
func ADTSFrame(sampleRateIndex, channelConfig uint, payloadLen int) []byte {
	frame := make([]byte, aacparser.ADTSHeaderLength+payloadLen)
	cfg := aacparser.MPEG4AudioConfig{
		ObjectType:      aacparser.AOT_AAC_LC,
		SampleRateIndex: sampleRateIndex,
		ChannelConfig:   channelConfig,
	}
	aacparser.FillADTSHeader(frame, cfg, 1024, payloadLen)
	for i := aacparser.ADTSHeaderLength; i < len(frame); i++ {
		frame[i] = 0x21
	}
	return frame
}

// CaptionUnit is an ARIB caption data unit.
type CaptionUnit struct {
	Parameter byte
	Data      []byte
}

// CaptionStatement returns a synchronized PES payload with one caption
// statement data group for language 1.
func CaptionStatement(units ...CaptionUnit) []byte {
	body := []byte{0x3F} // TMD 0
	return captionGroup(0x01, append(body, dataUnitLoop(units)...))
}

// CaptionManagement returns a synchronized PES payload with a caption
// management data group declaring Japanese.
func CaptionManagement() []byte {
	body := []byte{0x3F, 0x01, 0x1A, 'j', 'p', 'n', 0x80}
	return captionGroup(0x00, append(body, dataUnitLoop(nil)...))
}

func dataUnitLoop(units []CaptionUnit) []byte {
	var loop []byte
	for _, u := range units {
		n := len(u.Data)
		loop = append(loop, 0x1F, u.Parameter, byte(n>>16), byte(n>>8), byte(n))
		loop = append(loop, u.Data...)
	}
	n := len(loop)
	return append([]byte{byte(n >> 16), byte(n >> 8), byte(n)}, loop...)
}

func captionGroup(groupID byte, data []byte) []byte {
	n := len(data)
	group := []byte{groupID << 2, 0x00, 0x00, byte(n >> 8), byte(n)}
	group = mpegts.AppendCRC16(append(group, data...))
	return append([]byte{0x80, 0xFF, 0xF0}, group...)
}
