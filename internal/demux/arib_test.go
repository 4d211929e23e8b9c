package demux

import (
	"testing"

	"github.com/zsiec/tsreform/internal/mpegts"
	"github.com/zsiec/tsreform/internal/tstest"
)

const testClock = int64(mpegts.ClockRate) * 10 // 10 s

func TestCaptionParser_Statement(t *testing.T) {
	t.Parallel()
	p := NewCaptionParser(DefaultCaptionTiming)
	payload := tstest.CaptionStatement(
		tstest.CaptionUnit{Parameter: DataUnitStatementBody, Data: []byte("abc")},
		tstest.CaptionUnit{Parameter: DataUnitDRCS1, Data: []byte{1, 2}},
	)
	base := testClock / 300
	item, ok := p.InputFrame(payload, base+mpegts.TimestampRate, testClock)
	if !ok {
		t.Fatal("statement did not parse")
	}
	if item.Management || item.LangIndex != 1 {
		t.Errorf("expected statement for language 1, got management=%v lang=%d", item.Management, item.LangIndex)
	}
	if item.Corrected || item.PTS != base+mpegts.TimestampRate {
		t.Errorf("PTS 1 s ahead should be kept, got %d (corrected=%v)", item.PTS, item.Corrected)
	}
	if len(item.Units) != 2 {
		t.Fatalf("expected 2 data units, got %d", len(item.Units))
	}
	if item.Units[0].Parameter != DataUnitStatementBody || string(item.Units[0].Data) != "abc" {
		t.Errorf("unexpected first unit %+v", item.Units[0])
	}
	if !item.HasDRCS() {
		t.Error("expected DRCS unit to be reported")
	}
	if item.Clock != testClock {
		t.Errorf("expected clock %d, got %d", testClock, item.Clock)
	}
}

func TestCaptionParser_Management(t *testing.T) {
	t.Parallel()
	p := NewCaptionParser(DefaultCaptionTiming)
	item, ok := p.InputFrame(tstest.CaptionManagement(), testClock/300+60000, testClock)
	if !ok {
		t.Fatal("management data did not parse")
	}
	if !item.Management || item.LangIndex != 0 {
		t.Errorf("expected management data, got lang %d", item.LangIndex)
	}
	if len(item.Languages) != 1 {
		t.Fatalf("expected 1 language, got %d", len(item.Languages))
	}
	lang := item.Languages[0]
	if lang.Language != "jpn" || lang.DMF != 0x0A || lang.Format != 8 {
		t.Errorf("unexpected language %+v", lang)
	}
	if len(item.Units) != 0 || item.HasDRCS() {
		t.Errorf("expected no data units, got %d", len(item.Units))
	}
}

func TestCaptionItem_UsesDRCS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		units []DataUnit
		want  bool
	}{
		{"plain text", []DataUnit{{Parameter: DataUnitStatementBody, Data: []byte{0x0C, 0x41, 0x42}}}, false},
		{"one-byte DRCS into G3", []DataUnit{{Parameter: DataUnitStatementBody, Data: []byte{0x41, 0x1B, 0x2B, 0x20, 0x41, 0x21}}}, true},
		{"two-byte DRCS-0 into G0", []DataUnit{{Parameter: DataUnitStatementBody, Data: []byte{0x1B, 0x24, 0x28, 0x20, 0x40, 0x21, 0x21}}}, true},
		{"kanji designation", []DataUnit{{Parameter: DataUnitStatementBody, Data: []byte{0x1B, 0x24, 0x42, 0x30, 0x21}}}, false},
		{"macro set is not DRCS", []DataUnit{{Parameter: DataUnitStatementBody, Data: []byte{0x1B, 0x29, 0x20, 0x70}}}, false},
		{"truncated escape", []DataUnit{{Parameter: DataUnitStatementBody, Data: []byte{0x1B, 0x29, 0x20}}}, false},
		{"designation outside statement body", []DataUnit{{Parameter: DataUnitDRCS1, Data: []byte{0x1B, 0x29, 0x20, 0x41}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			item := CaptionItem{Units: tt.units}
			if got := item.UsesDRCS(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCaptionParser_CRCError(t *testing.T) {
	t.Parallel()
	p := NewCaptionParser(DefaultCaptionTiming)
	payload := tstest.CaptionStatement(tstest.CaptionUnit{Parameter: DataUnitStatementBody, Data: []byte("x")})
	payload[len(payload)-4] ^= 0x01
	if _, ok := p.InputFrame(payload, 0, testClock); ok {
		t.Fatal("corrupt data group accepted")
	}
	if p.CRCErrors != 1 {
		t.Errorf("expected 1 CRC error, got %d", p.CRCErrors)
	}
}

func TestCaptionParser_NotCaption(t *testing.T) {
	t.Parallel()
	p := NewCaptionParser(DefaultCaptionTiming)
	payload := tstest.CaptionStatement()
	payload[0] = DataIdentifierSuperimpose
	if _, ok := p.InputFrame(payload, 0, testClock); ok {
		t.Error("superimpose data accepted as caption")
	}
	if _, ok := p.InputFrame([]byte{0x80}, 0, testClock); ok {
		t.Error("truncated payload accepted")
	}
}

func TestCaptionParser_PTSCorrection(t *testing.T) {
	t.Parallel()
	p := NewCaptionParser(DefaultCaptionTiming)
	base := testClock / 300
	payload := tstest.CaptionStatement(tstest.CaptionUnit{Parameter: DataUnitStatementBody, Data: []byte("late")})
	item, ok := p.InputFrame(payload, base+3*mpegts.TimestampRate, testClock)
	if !ok {
		t.Fatal("statement did not parse")
	}
	if want := base + 72000; item.PTS != want {
		t.Errorf("expected corrected PTS %d, got %d", want, item.PTS)
	}
	if !item.Corrected || item.OrigPTS != base+3*mpegts.TimestampRate {
		t.Errorf("expected correction flag and original PTS, got %+v", item)
	}
	if p.Corrections != 1 {
		t.Errorf("expected 1 correction, got %d", p.Corrections)
	}
}

func TestCaptionTiming_CorrectPTS(t *testing.T) {
	t.Parallel()
	timing := DefaultCaptionTiming
	tests := []struct {
		name      string
		pts       int64
		clock     int64
		want      int64
		corrected bool
	}{
		{"inside window", 900000 + 60000, 900000 * 300, 900000 + 60000, false},
		{"lower bound", 900000 + 45000, 900000 * 300, 900000 + 45000, false},
		{"upper bound", 900000 + 135000, 900000 * 300, 900000 + 135000, false},
		{"too early", 900000 + 44999, 900000 * 300, 900000 + 72000, true},
		{"too late", 900000 + 135001, 900000 * 300, 900000 + 72000, true},
		{"behind clock", 800000, 900000 * 300, 900000 + 72000, true},
		{"missing", -1, 900000 * 300, 900000 + 72000, true},
		{"across wrap", 40000, (mpegts.PTSWrap - 50000) * 300, 40000, false},
		{"fallback wraps", -1, (mpegts.PTSWrap - 10000) * 300, 62000, true},
	}
	for _, tt := range tests {
		got, corrected := timing.CorrectPTS(tt.pts, tt.clock)
		if got != tt.want || corrected != tt.corrected {
			t.Errorf("%s: expected %d (%v), got %d (%v)", tt.name, tt.want, tt.corrected, got, corrected)
		}
	}
}

func TestCaptionTiming_Configurable(t *testing.T) {
	t.Parallel()
	timing := CaptionTiming{MinDelay: 0, MaxDelay: 10 * mpegts.TimestampRate, Fallback: 0}
	got, corrected := timing.CorrectPTS(1000+3*mpegts.TimestampRate, 1000*300)
	if corrected || got != 1000+3*mpegts.TimestampRate {
		t.Errorf("wider window should keep the PTS, got %d", got)
	}
}
