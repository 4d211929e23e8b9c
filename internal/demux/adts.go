package demux

import (
	"errors"

	"github.com/nareix/joy4/codec/aacparser"

	"github.com/zsiec/tsreform/internal/mpegts"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

const adtsMinHeader = 7

// AudioFormat describes an AAC stream as signalled in ADTS headers.
type AudioFormat struct {
	ObjectType    int
	SampleRate    int
	ChannelConfig int
	Channels      int
}

// AudioFrameInfo is one ADTS frame.
type AudioFrameInfo struct {
	Format     AudioFormat
	PTS        int64
	NumSamples int

	// Data is the complete ADTS frame (header and payload). It aliases the
	// parser's buffer and is only valid until the next InputFrame call.
	Data []byte
}

// Duration returns the frame duration in 90 kHz ticks.
func (f AudioFrameInfo) Duration() int64 {
	if f.Format.SampleRate <= 0 {
		return 0
	}
	return int64(f.NumSamples) * mpegts.TimestampRate / int64(f.Format.SampleRate)
}

// ParseADTSHeader parses the fixed and variable ADTS header at the start of
// b. It returns the format, header length, frame length and sample count.
func ParseADTSHeader(b []byte) (AudioFormat, int, int, int, error) {
	if len(b) < adtsMinHeader || b[0] != 0xFF || b[1]&0xF6 != 0xF0 {
		return AudioFormat{}, 0, 0, 0, ErrInvalidADTS
	}
	cfg, hdrLen, frameLen, samples, err := aacparser.ParseADTSHeader(b)
	if err == nil {
		if cfg.SampleRate == 0 {
			return AudioFormat{}, 0, 0, 0, ErrInvalidADTS
		}
		return AudioFormat{
			ObjectType:    int(cfg.ObjectType),
			SampleRate:    cfg.SampleRate,
			ChannelConfig: int(cfg.ChannelConfig),
			Channels:      cfg.ChannelLayout.Count(),
		}, hdrLen, frameLen, samples, nil
	}

	// channel_configuration 0 defers the layout to a program config element.
	// Broadcasters use it for dual mono, so it is read here as two channels.
	sampleRateIdx := int(b[2]>>2) & 0x0F
	if sampleRateIdx >= len(aacSampleRates) {
		return AudioFormat{}, 0, 0, 0, ErrInvalidADTS
	}
	if chCfg := (b[2]&0x01)<<2 | b[3]>>6; chCfg != 0 {
		return AudioFormat{}, 0, 0, 0, ErrInvalidADTS
	}
	hdrLen = adtsMinHeader
	if b[1]&0x01 == 0 {
		hdrLen = 9
	}
	frameLen = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
	if frameLen < hdrLen {
		return AudioFormat{}, 0, 0, 0, ErrInvalidADTS
	}
	return AudioFormat{
		ObjectType: int(b[2]>>6) + 1,
		SampleRate: aacSampleRates[sampleRateIdx],
		Channels:   2,
	}, hdrLen, frameLen, (int(b[6]&0x03) + 1) * 1024, nil
}

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AdtsParser splits PES payloads into ADTS frames. A frame that straddles
// two payloads is completed from the next one and timestamped by
// extrapolating from the previous frame.
type AdtsParser struct {
	format    AudioFormat
	hasFormat bool
	buf       []byte
	work      []byte
	nextPTS   int64

	// SkippedBytes counts bytes discarded while searching for a sync word.
	SkippedBytes int64
}

// NewAdtsParser returns an ADTS parser.
func NewAdtsParser() *AdtsParser {
	return &AdtsParser{nextPTS: -1}
}

// Reset drops buffered bytes and the known format.
func (p *AdtsParser) Reset() {
	p.format = AudioFormat{}
	p.hasFormat = false
	p.buf = p.buf[:0]
	p.nextPTS = -1
}

// Format returns the format of the last parsed frame.
func (p *AdtsParser) Format() AudioFormat { return p.format }

// InputFrame parses one PES payload with its PTS (-1 when absent). It
// reports whether the audio format changed, including when the first frame
// establishes it.
func (p *AdtsParser) InputFrame(payload []byte, pts int64) ([]AudioFrameInfo, bool) {
	carried := len(p.buf)
	p.work = append(append(p.work[:0], p.buf...), payload...)
	data := p.work

	var (
		frames  []AudioFrameInfo
		changed bool
		usedPTS bool
	)
	off := 0
	for len(data)-off >= adtsMinHeader {
		format, _, frameLen, samples, err := ParseADTSHeader(data[off:])
		if err != nil {
			off++
			p.SkippedBytes++
			continue
		}
		if off+frameLen > len(data) {
			break
		}
		ts := p.nextPTS
		if off >= carried && !usedPTS && pts >= 0 {
			ts = pts
			usedPTS = true
		}
		if !p.hasFormat || format != p.format {
			changed = true
			p.format = format
			p.hasFormat = true
		}
		f := AudioFrameInfo{Format: format, PTS: ts, NumSamples: samples, Data: data[off : off+frameLen]}
		frames = append(frames, f)
		if ts >= 0 {
			p.nextPTS = (ts + f.Duration()) % mpegts.PTSWrap
		}
		off += frameLen
	}
	if !usedPTS && pts >= 0 && off >= carried {
		// The PTS belongs to the incomplete frame that starts in this
		// payload.
		p.nextPTS = pts
	}
	p.buf = append(p.buf[:0], data[off:]...)
	return frames, changed
}
