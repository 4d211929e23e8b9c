package demux

import (
	"github.com/zsiec/ccx"
)

// CEA608Caption is decoded caption text from one CEA-608 channel.
type CEA608Caption struct {
	PTS     int64
	Channel int
	Text    string
}

// CEA608Extractor decodes CEA-608 caption pairs carried in H.264 SEI
// (ATSC A/53 user data) into caption text per channel.
type CEA608Extractor struct {
	decs map[int]*ccx.CEA608Decoder

	frames          int64
	lastPTS         int64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

// NewCEA608Extractor returns an extractor with decoders for CC1-CC4.
func NewCEA608Extractor() *CEA608Extractor {
	return &CEA608Extractor{
		decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		lastPTS: -1,
	}
}

// InputSEI decodes the caption pairs of one SEI NAL unit (header byte
// included) and returns any caption text completed by them.
func (e *CEA608Extractor) InputSEI(nal []byte, pts int64) []CEA608Caption {
	if pts != e.lastPTS {
		e.frames++
		e.lastPTS = pts
	}
	cd := ccx.ExtractCaptions(nal)
	if cd == nil {
		return nil
	}

	var out []CEA608Caption
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are transmitted twice; drop the repeat.
		f := pair.Field
		if f > 1 {
			continue
		}
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if e.lastCCWasCtrl[f] && e.lastCCCtrl[f] == cp && e.frames-e.lastCCCtrlFrame[f] <= 2 {
				e.lastCCWasCtrl[f] = false
				continue
			}
			e.lastCCCtrl[f] = cp
			e.lastCCWasCtrl[f] = true
			e.lastCCCtrlFrame[f] = e.frames
		} else {
			e.lastCCWasCtrl[f] = false
		}

		dec := e.decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, CEA608Caption{PTS: pts, Channel: pair.Channel, Text: text})
		}
	}
	return out
}
