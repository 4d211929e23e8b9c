package demux

import (
	"testing"

	"github.com/zsiec/tsreform/internal/mpegts"
)

func TestPictureType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pic    PictureType
		name   string
		fields int
	}{
		{PicFrame, "FRAME", 2},
		{PicFrameDoubling, "FRAME_DOUBLING", 4},
		{PicFrameTripling, "FRAME_TRIPLING", 6},
		{PicTFF, "TFF", 2},
		{PicBFF, "BFF", 2},
		{PicTFFRFF, "TFF_RFF", 3},
		{PicBFFRFF, "BFF_RFF", 3},
	}
	for _, tt := range tests {
		if tt.pic.String() != tt.name {
			t.Errorf("expected %s, got %s", tt.name, tt.pic)
		}
		if tt.pic.Fields() != tt.fields {
			t.Errorf("%s: expected %d fields, got %d", tt.name, tt.fields, tt.pic.Fields())
		}
	}
	if got := PictureType(42).String(); got != "PictureType(42)" {
		t.Errorf("unexpected name for unknown type: %s", got)
	}
}

func TestVideoFormat_FrameDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		num, den int
		want     int64
	}{
		{30000, 1001, 3003},
		{60000, 1001, 1501},
		{25, 1, 3600},
		{24000, 1001, 3753},
		{0, 0, 0},
	}
	for _, tt := range tests {
		f := VideoFormat{FrameRateNum: tt.num, FrameRateDen: tt.den}
		if got := f.FrameDuration(); got != tt.want {
			t.Errorf("%d/%d: expected %d, got %d", tt.num, tt.den, tt.want, got)
		}
	}
	if (VideoFormat{Width: 1920, Height: 1080}).Valid() {
		t.Error("format without frame rate should not be valid")
	}
}

func TestShiftTS(t *testing.T) {
	t.Parallel()
	if got := shiftTS(-1, 3, 3003); got != -1 {
		t.Errorf("absent timestamp should stay absent, got %d", got)
	}
	if got := shiftTS(100, 0, 3003); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
	if got := shiftTS(mpegts.PTSWrap-1000, 1, 3003); got != 2003 {
		t.Errorf("expected wrapped 2003, got %d", got)
	}
}

func TestNewVideoParser(t *testing.T) {
	t.Parallel()
	if p, ok := NewVideoParser(mpegts.StreamTypeMPEG2Video); !ok {
		t.Error("no parser for MPEG-2")
	} else if _, isMPEG2 := p.(*MPEG2Parser); !isMPEG2 {
		t.Errorf("expected *MPEG2Parser, got %T", p)
	}
	if p, ok := NewVideoParser(mpegts.StreamTypeH264); !ok {
		t.Error("no parser for H.264")
	} else if _, isH264 := p.(*H264Parser); !isH264 {
		t.Errorf("expected *H264Parser, got %T", p)
	}
	if _, ok := NewVideoParser(mpegts.StreamTypeADTS); ok {
		t.Error("ADTS is not video")
	}
}
