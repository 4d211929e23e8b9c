package demux

import (
	"bytes"
	"testing"

	"github.com/zsiec/tsreform/internal/tstest"
)

func mpeg2Payload(cfg tstest.Mpeg2Config, pics ...[]byte) []byte {
	var b bytes.Buffer
	b.Write(tstest.Mpeg2Sequence(cfg))
	b.Write(tstest.Mpeg2GOP())
	for _, p := range pics {
		b.Write(p)
	}
	return b.Bytes()
}

func TestMPEG2Parser_Format(t *testing.T) {
	t.Parallel()
	p := NewMPEG2Parser()
	out, ok := p.InputFrame(mpeg2Payload(tstest.Mpeg2Default, tstest.Mpeg2Picture(1, 3, true, false)), 0, 0)
	if !ok || len(out) != 1 {
		t.Fatalf("expected one frame, got %d (ok=%v)", len(out), ok)
	}
	f := out[0].Format
	if f.Codec != CodecMPEG2 {
		t.Errorf("expected mpeg2, got %s", f.Codec)
	}
	if f.Width != 1440 || f.Height != 1080 {
		t.Errorf("expected 1440x1080, got %dx%d", f.Width, f.Height)
	}
	if f.FrameRateNum != 30000 || f.FrameRateDen != 1001 {
		t.Errorf("expected 30000/1001, got %d/%d", f.FrameRateNum, f.FrameRateDen)
	}
	// 16:9 on 1440x1080 needs 4:3 pixels.
	if f.SarWidth != 4 || f.SarHeight != 3 {
		t.Errorf("expected SAR 4:3, got %d:%d", f.SarWidth, f.SarHeight)
	}
	if f.Progressive {
		t.Error("expected interlaced sequence")
	}
	if !out[0].IsGopStart || out[0].Type != FrameI {
		t.Errorf("expected I GOP start, got %s gop=%v", out[0].Type, out[0].IsGopStart)
	}
	seq, ok := p.Sequence()
	if !ok || seq.AspectRatioInfo != 3 || seq.FrameRateCode != 4 {
		t.Errorf("unexpected sequence %+v", seq)
	}
}

func TestMPEG2Parser_PictureTypes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		progressive bool
		tff, rff    bool
		want        PictureType
	}{
		{"interlaced bff", false, false, false, PicBFF},
		{"interlaced tff", false, true, false, PicTFF},
		{"interlaced tff rff", false, true, true, PicTFFRFF},
		{"interlaced bff rff", false, false, true, PicBFFRFF},
		{"progressive", true, false, false, PicFrame},
		{"progressive doubling", true, false, true, PicFrameDoubling},
		{"progressive tripling", true, true, true, PicFrameTripling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tstest.Mpeg2Default
			cfg.Progressive = tt.progressive
			p := NewMPEG2Parser()
			out, ok := p.InputFrame(mpeg2Payload(cfg, tstest.Mpeg2Picture(1, 3, tt.tff, tt.rff)), 0, 0)
			if !ok || len(out) != 1 {
				t.Fatalf("expected one frame, got %d", len(out))
			}
			if out[0].Pic != tt.want {
				t.Errorf("expected %s, got %s", tt.want, out[0].Pic)
			}
			if out[0].Format.Progressive != tt.progressive {
				t.Errorf("expected progressive %v", tt.progressive)
			}
		})
	}
}

func TestMPEG2Parser_FieldPictures(t *testing.T) {
	t.Parallel()
	p := NewMPEG2Parser()
	payload := mpeg2Payload(tstest.Mpeg2Default,
		tstest.Mpeg2Picture(1, 2, false, false),
		tstest.Mpeg2Picture(2, 1, false, false))
	out, ok := p.InputFrame(payload, 3003, 0)
	if !ok || len(out) != 1 {
		t.Fatalf("expected one merged frame, got %d (ok=%v)", len(out), ok)
	}
	f := out[0]
	if f.Pic != PicBFF {
		t.Errorf("expected BFF from a bottom field first pair, got %s", f.Pic)
	}
	if f.Type != FrameI {
		t.Errorf("expected I, got %s", f.Type)
	}
	if f.CodedDataSize != len(payload) {
		t.Errorf("expected coded size %d, got %d", len(payload), f.CodedDataSize)
	}
	if f.PTS != 3003 || f.DTS != 0 {
		t.Errorf("expected 3003/0, got %d/%d", f.PTS, f.DTS)
	}
}

func TestMPEG2Parser_FieldsAcrossPayloads(t *testing.T) {
	t.Parallel()
	p := NewMPEG2Parser()
	first := mpeg2Payload(tstest.Mpeg2Default, tstest.Mpeg2Picture(1, 1, true, false))
	out, ok := p.InputFrame(first, 100, 100)
	if !ok || len(out) != 0 {
		t.Fatalf("first field should be held, got %d", len(out))
	}
	second := tstest.Mpeg2Picture(2, 2, true, false)
	out, ok = p.InputFrame(second, 1601, 1601)
	if !ok || len(out) != 1 {
		t.Fatalf("expected merged frame, got %d", len(out))
	}
	if out[0].Pic != PicTFF || out[0].PTS != 100 {
		t.Errorf("expected TFF at 100, got %s at %d", out[0].Pic, out[0].PTS)
	}
	if out[0].CodedDataSize != len(first)+len(second) {
		t.Errorf("expected coded size %d, got %d", len(first)+len(second), out[0].CodedDataSize)
	}
}

func TestMPEG2Parser_MultipleFramesInPayload(t *testing.T) {
	t.Parallel()
	p := NewMPEG2Parser()
	payload := mpeg2Payload(tstest.Mpeg2Default,
		tstest.Mpeg2Picture(1, 3, true, false),
		tstest.Mpeg2Picture(3, 3, true, false),
		tstest.Mpeg2Picture(3, 3, true, false))
	out, ok := p.InputFrame(payload, 90000, 87000)
	if !ok || len(out) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(out))
	}
	total := 0
	for i, f := range out {
		if want := int64(90000 + i*3003); f.PTS != want {
			t.Errorf("frame %d: expected PTS %d, got %d", i, want, f.PTS)
		}
		total += f.CodedDataSize
	}
	if out[1].Type != FrameB || out[1].IsGopStart {
		t.Errorf("frame 1: expected non-GOP B, got %s gop=%v", out[1].Type, out[1].IsGopStart)
	}
	if total != len(payload) {
		t.Errorf("expected coded sizes to sum to %d, got %d", len(payload), total)
	}
}

func TestMPEG2Parser_NoSequence(t *testing.T) {
	t.Parallel()
	p := NewMPEG2Parser()
	if _, ok := p.InputFrame(tstest.Mpeg2Picture(1, 3, true, false), 0, 0); ok {
		t.Error("expected failure before the first sequence header")
	}
}

func TestMPEG2Parser_FormatChangeIsStructural(t *testing.T) {
	t.Parallel()
	p := NewMPEG2Parser()
	a, _ := p.InputFrame(mpeg2Payload(tstest.Mpeg2Default, tstest.Mpeg2Picture(1, 3, true, false)), 0, 0)
	b, _ := p.InputFrame(mpeg2Payload(tstest.Mpeg2Default, tstest.Mpeg2Picture(1, 3, true, false)), 3003, 3003)
	if a[0].Format != b[0].Format {
		t.Error("identical sequence headers should give equal formats")
	}
	sd := tstest.Mpeg2Config{Width: 720, Height: 480, AspectRatio: 2, FrameRateCode: 4}
	c, _ := p.InputFrame(mpeg2Payload(sd, tstest.Mpeg2Picture(1, 3, true, false)), 6006, 6006)
	if c[0].Format == a[0].Format {
		t.Error("new resolution should change the format")
	}
	if c[0].Format.SarWidth != 8 || c[0].Format.SarHeight != 9 {
		t.Errorf("expected SAR 8:9 for 4:3 720x480, got %d:%d", c[0].Format.SarWidth, c[0].Format.SarHeight)
	}
}
