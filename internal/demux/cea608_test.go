package demux

import (
	"testing"

	"github.com/zsiec/tsreform/internal/tstest"
)

func TestCEA608Extractor_IgnoresOtherSEI(t *testing.T) {
	t.Parallel()
	e := NewCEA608Extractor()
	if out := e.InputSEI(tstest.H264PicTiming(0), 0); len(out) != 0 {
		t.Errorf("expected no captions from pic_timing, got %+v", out)
	}
}

func TestCEA608Extractor_Stream(t *testing.T) {
	t.Parallel()
	e := NewCEA608Extractor()
	// Roll-up, carriage return and a few characters on CC1, each control
	// code sent twice as broadcasters do.
	frames := [][][2]byte{
		{{0x94, 0x25}},
		{{0x94, 0x25}},
		{{0x94, 0xAD}},
		{{0x94, 0xAD}},
		{{0xC8, 0x49}},
		{{0x20, 0x80}},
		{{0x94, 0xAD}},
		{{0x94, 0xAD}},
	}
	var got []CEA608Caption
	for i, pairs := range frames {
		pts := int64(i) * 3003
		for _, c := range e.InputSEI(tstest.CEA608SEI(pairs...), pts) {
			if c.PTS != pts {
				t.Errorf("caption PTS %d, want %d", c.PTS, pts)
			}
			got = append(got, c)
		}
	}
	for _, c := range got {
		if c.Channel < 1 || c.Channel > 4 {
			t.Errorf("caption on channel %d", c.Channel)
		}
		if c.Text == "" {
			t.Error("empty caption text returned")
		}
	}
}
