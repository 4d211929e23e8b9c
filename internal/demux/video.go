package demux

import (
	"fmt"

	"github.com/zsiec/tsreform/internal/mpegts"
)

// VideoCodec identifies the coding format of a video elementary stream.
type VideoCodec int

const (
	CodecUnknown VideoCodec = iota
	CodecMPEG2
	CodecH264
)

func (c VideoCodec) String() string {
	switch c {
	case CodecMPEG2:
		return "mpeg2"
	case CodecH264:
		return "h264"
	}
	return "unknown"
}

// FrameType is the coding type of a picture.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameI
	FrameP
	FrameB
)

func (t FrameType) String() string {
	switch t {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	}
	return "?"
}

// PictureType describes how a coded picture is displayed: as a progressive
// frame (possibly repeated), or as a field pair in top- or bottom-first
// order with an optional repeated first field.
type PictureType int

const (
	PicFrame PictureType = iota
	PicFrameDoubling
	PicFrameTripling
	PicTFF
	PicBFF
	PicTFFRFF
	PicBFFRFF
)

var pictureTypeNames = [...]string{"FRAME", "FRAME_DOUBLING", "FRAME_TRIPLING", "TFF", "BFF", "TFF_RFF", "BFF_RFF"}

func (p PictureType) String() string {
	if p < 0 || int(p) >= len(pictureTypeNames) {
		return fmt.Sprintf("PictureType(%d)", int(p))
	}
	return pictureTypeNames[p]
}

// Fields returns the number of display fields the picture occupies.
func (p PictureType) Fields() int {
	switch p {
	case PicFrameDoubling:
		return 4
	case PicFrameTripling:
		return 6
	case PicTFFRFF, PicBFFRFF:
		return 3
	}
	return 2
}

// VideoFormat is the decoded-format record of a video stream. Two formats
// are the same stream configuration when they compare equal with ==.
type VideoFormat struct {
	Codec         VideoCodec
	Width         int
	Height        int
	DisplayWidth  int
	DisplayHeight int
	SarWidth      int
	SarHeight     int
	FrameRateNum  int
	FrameRateDen  int
	Progressive   bool

	ColorPrimaries int
	TransferChar   int
	MatrixCoeffs   int
	FullColorRange bool
}

// Valid reports whether the format carries a usable size and frame rate.
func (f VideoFormat) Valid() bool {
	return f.Width > 0 && f.Height > 0 && f.FrameRateNum > 0 && f.FrameRateDen > 0
}

// FrameDuration returns the duration of one frame (two fields) in 90 kHz
// ticks, or 0 when the frame rate is unknown.
func (f VideoFormat) FrameDuration() int64 {
	if f.FrameRateNum <= 0 || f.FrameRateDen <= 0 {
		return 0
	}
	return mpegts.TimestampRate * int64(f.FrameRateDen) / int64(f.FrameRateNum)
}

func (f VideoFormat) String() string {
	return fmt.Sprintf("%s %dx%d %d/%d sar %d:%d", f.Codec, f.Width, f.Height,
		f.FrameRateNum, f.FrameRateDen, f.SarWidth, f.SarHeight)
}

// VideoFrameInfo describes one complete coded picture: a frame, or a pair of
// fields merged into one record.
type VideoFrameInfo struct {
	Format        VideoFormat
	IsGopStart    bool
	Pic           PictureType
	Type          FrameType
	PTS           int64
	DTS           int64
	CodedDataSize int
}

// VideoParser splits the payload of video PES packets into frames.
type VideoParser interface {
	// Reset drops any partially accumulated picture and the known format.
	Reset()
	// InputFrame parses one PES payload. It returns the pictures completed
	// by this payload (possibly none while the first field of a pair is
	// held) and false when the payload could not be parsed, for example
	// before the first sequence header.
	InputFrame(payload []byte, pts, dts int64) ([]VideoFrameInfo, bool)
}

// NewVideoParser returns a parser for the given PMT stream type.
func NewVideoParser(streamType int) (VideoParser, bool) {
	switch streamType {
	case mpegts.StreamTypeMPEG2Video:
		return NewMPEG2Parser(), true
	case mpegts.StreamTypeH264:
		return NewH264Parser(), true
	}
	return nil, false
}

// shiftTS returns the timestamp of the k-th frame of a payload that carried
// ts for its first frame.
func shiftTS(ts int64, k int, step int64) int64 {
	if ts < 0 || k == 0 {
		return ts
	}
	return (ts + int64(k)*step) % mpegts.PTSWrap
}

// fieldPair accumulates two field pictures into one frame record.
type fieldPair struct {
	pending  bool
	first    VideoFrameInfo
	firstTop bool

	// Unpaired counts fields dropped because their partner never arrived.
	Unpaired int
}

func (fp *fieldPair) reset() {
	fp.pending = false
}

// add records one field. It returns the merged frame when f completes a
// pair.
func (fp *fieldPair) add(f VideoFrameInfo, top bool) (VideoFrameInfo, bool) {
	if fp.pending && fp.firstTop != top {
		out := fp.first
		out.CodedDataSize += f.CodedDataSize
		out.Pic = PicBFF
		if fp.firstTop {
			out.Pic = PicTFF
		}
		if f.Type == FrameI && out.Type != FrameI {
			out.Type = FrameI
		}
		out.IsGopStart = out.IsGopStart || f.IsGopStart
		fp.pending = false
		return out, true
	}
	if fp.pending {
		fp.Unpaired++
	}
	fp.pending = true
	fp.first = f
	fp.firstTop = top
	return VideoFrameInfo{}, false
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func reduce(num, den int) (int, int) {
	if num == 0 || den == 0 {
		return num, den
	}
	g := gcd(num, den)
	return num / g, den / g
}
