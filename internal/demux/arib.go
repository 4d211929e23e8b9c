package demux

import (
	"github.com/zsiec/tsreform/internal/bits"
	"github.com/zsiec/tsreform/internal/mpegts"
)

// ARIB STD-B24 synchronized PES data identifiers.
const (
	DataIdentifierCaption     = 0x80
	DataIdentifierSuperimpose = 0x81
)

// Data unit parameters (ARIB STD-B24 Table 9-12).
const (
	DataUnitStatementBody = 0x20
	DataUnitGeometric     = 0x28
	DataUnitDRCS1         = 0x30
	DataUnitDRCS2         = 0x31
	DataUnitColorMap      = 0x34
	DataUnitBitmap        = 0x35
)

const dataUnitSeparator = 0x1F

// CaptionTiming bounds the accepted caption PTS lead over the system clock.
// All values are in 90 kHz ticks.
type CaptionTiming struct {
	MinDelay int64
	MaxDelay int64
	Fallback int64
}

// DefaultCaptionTiming accepts a PTS 0.5 s to 1.5 s ahead of the system
// clock and otherwise places the caption 0.8 s ahead.
var DefaultCaptionTiming = CaptionTiming{
	MinDelay: mpegts.TimestampRate / 2,
	MaxDelay: mpegts.TimestampRate * 3 / 2,
	Fallback: mpegts.TimestampRate * 8 / 10,
}

// DataUnit is one caption data unit.
type DataUnit struct {
	Parameter byte
	Data      []byte
}

// CaptionLanguage is one language entry of caption management data.
type CaptionLanguage struct {
	Tag        int
	DMF        int
	Language   string
	Format     int
	TCS        int
	RollupMode int
}

// CaptionItem is one caption data group with its corrected timing.
type CaptionItem struct {
	Clock     int64 // 27 MHz system clock of the carrying PES
	PTS       int64
	OrigPTS   int64
	Corrected bool

	GroupID    int
	LangIndex  int // 0 for management data, 1-8 for statements
	Management bool
	Languages  []CaptionLanguage
	Units      []DataUnit
}

// UsesDRCS reports whether a statement body designates a DRCS set, that is
// draws characters from downloaded glyphs.
func (c *CaptionItem) UsesDRCS() bool {
	for _, u := range c.Units {
		if u.Parameter == DataUnitStatementBody && designatesDRCS(u.Data) {
			return true
		}
	}
	return false
}

// designatesDRCS looks for ESC [0x24] I 0x20 F with I in 0x28-0x2B (G0-G3)
// and F in 0x40-0x4F (DRCS-0 to DRCS-15).
func designatesDRCS(b []byte) bool {
	for i := 0; i+3 < len(b); i++ {
		if b[i] != 0x1B {
			continue
		}
		j := i + 1
		if b[j] == 0x24 {
			j++
		}
		if j+2 < len(b) && b[j] >= 0x28 && b[j] <= 0x2B && b[j+1] == 0x20 && b[j+2] >= 0x40 && b[j+2] <= 0x4F {
			return true
		}
	}
	return false
}

// HasDRCS reports whether the item carries DRCS glyph definitions.
func (c *CaptionItem) HasDRCS() bool {
	for _, u := range c.Units {
		if u.Parameter == DataUnitDRCS1 || u.Parameter == DataUnitDRCS2 {
			return true
		}
	}
	return false
}

// CaptionParser decodes ARIB caption data groups from PES payloads.
type CaptionParser struct {
	timing CaptionTiming

	CRCErrors   int
	Corrections int
}

// NewCaptionParser returns a caption parser using the given PTS window.
func NewCaptionParser(timing CaptionTiming) *CaptionParser {
	return &CaptionParser{timing: timing}
}

// CorrectPTS returns the PTS to present a caption at given the PES PTS
// (-1 when absent) and the 27 MHz system clock of its packet. A PTS outside
// the accepted lead window is replaced by clock + Fallback.
func (t CaptionTiming) CorrectPTS(pts, clock int64) (int64, bool) {
	base := (clock / 300) % mpegts.PTSWrap
	if pts >= 0 {
		td := mpegts.SignedDiff(pts, base, mpegts.PTSWrap)
		if td >= t.MinDelay && td <= t.MaxDelay {
			return pts, false
		}
	}
	return (base + t.Fallback) % mpegts.PTSWrap, true
}

// InputFrame parses a synchronized PES payload. It returns false when the
// payload is not caption data or the data group is corrupt.
func (p *CaptionParser) InputFrame(payload []byte, pts, clock int64) (CaptionItem, bool) {
	if len(payload) < 3 || payload[0] != DataIdentifierCaption || payload[1] != 0xFF {
		return CaptionItem{}, false
	}
	hdrLen := int(payload[2] & 0x0F)
	group := payload[3:]
	if hdrLen > len(group) {
		return CaptionItem{}, false
	}
	group = group[hdrLen:]
	if len(group) < 5 {
		return CaptionItem{}, false
	}
	size := int(group[3])<<8 | int(group[4])
	if 5+size+2 > len(group) {
		return CaptionItem{}, false
	}
	if mpegts.CRC16(group[:5+size+2]) != 0 {
		p.CRCErrors++
		return CaptionItem{}, false
	}

	item := CaptionItem{
		Clock:   clock,
		OrigPTS: pts,
		GroupID: int(group[0] >> 2),
	}
	item.LangIndex = item.GroupID & 0x0F
	item.Management = item.LangIndex == 0
	item.PTS, item.Corrected = p.timing.CorrectPTS(pts, clock)
	if item.Corrected {
		p.Corrections++
	}

	r := bits.NewByteReader(group[5 : 5+size])
	tmd := r.U8() >> 6
	if item.Management {
		if tmd == 2 {
			r.Skip(5) // OTM
		}
		n := int(r.U8())
		for i := 0; i < n && !r.Overflow(); i++ {
			b := r.U8()
			lang := CaptionLanguage{Tag: int(b >> 5), DMF: int(b & 0x0F)}
			if lang.DMF >= 0x0C && lang.DMF <= 0x0E {
				r.Skip(1) // DC
			}
			lang.Language = string(r.Bytes(3))
			f := r.U8()
			lang.Format, lang.TCS, lang.RollupMode = int(f>>4), int(f>>2)&0x03, int(f&0x03)
			item.Languages = append(item.Languages, lang)
		}
	} else if tmd == 1 || tmd == 2 {
		r.Skip(5) // STM
	}
	loopLen := int(r.U24())
	if r.Overflow() || loopLen > r.Remaining() {
		return CaptionItem{}, false
	}
	units, ok := parseDataUnits(r.Bytes(loopLen))
	if !ok {
		return CaptionItem{}, false
	}
	item.Units = units
	return item, true
}

func parseDataUnits(b []byte) ([]DataUnit, bool) {
	var units []DataUnit
	r := bits.NewByteReader(b)
	for r.Remaining() >= 5 {
		if r.U8() != dataUnitSeparator {
			return nil, false
		}
		param := r.U8()
		n := int(r.U24())
		if n > r.Remaining() {
			return nil, false
		}
		units = append(units, DataUnit{Parameter: param, Data: append([]byte(nil), r.Bytes(n)...)})
	}
	return units, !r.Overflow()
}
