package reform

import (
	"sort"
	"time"
)

const (
	sourceARIB   = "arib"
	sourceCEA608 = "cea608"
)

// span maps a range of source PTS onto the output timeline of a file.
type span struct {
	srcStart, srcEnd int64
	outStart         int64
}

func (r *StreamReformInfo) fileSpans(file *EncodeFileInput) []span {
	var spans []span
	var out int64
	for _, rg := range file.Ranges {
		first := r.filterFrames[rg.Start]
		last := r.filterFrames[rg.End-1]
		spans = append(spans, span{
			srcStart: first.PTS,
			srcEnd:   last.PTS + last.FrameDuration,
			outStart: out,
		})
		for i := rg.Start; i < rg.End; i++ {
			out += r.filterFrames[i].FrameDuration
		}
	}
	return spans
}

func toOutput(spans []span, pts int64) (int64, bool) {
	for _, s := range spans {
		if pts >= s.srcStart && pts < s.srcEnd {
			return s.outStart + pts - s.srcStart, true
		}
	}
	return 0, false
}

// genCaptions places the captions shown during the file on its output
// timeline. A caption lasts until the next caption of the same source and
// language, or the end of the file.
func (r *StreamReformInfo) genCaptions(file *EncodeFileInput) {
	spans := r.fileSpans(file)
	var caps []OutCaption
	for i, c := range r.captions {
		if c.Management {
			continue
		}
		if t, ok := toOutput(spans, r.captionModPTS[i]); ok {
			caps = append(caps, OutCaption{Source: sourceARIB, Index: i, Lang: c.LangIndex, Start: t})
		}
	}
	for i, c := range r.cea608 {
		if t, ok := toOutput(spans, r.cea608ModPTS[i]); ok {
			caps = append(caps, OutCaption{Source: sourceCEA608, Index: i, Lang: c.Channel, Start: t, Text: c.Text})
		}
	}
	sort.SliceStable(caps, func(a, b int) bool { return caps[a].Start < caps[b].Start })

	type track struct {
		source string
		lang   int
	}
	last := make(map[track]int)
	for i := range caps {
		k := track{caps[i].Source, caps[i].Lang}
		if p, ok := last[k]; ok {
			caps[p].End = caps[i].Start
		}
		last[k] = i
		caps[i].End = file.Duration
	}
	file.Captions = caps
}

// startTime returns the broadcast wall clock time of the first frame of
// the file, or the zero time when the stream carried no TDT/TOT.
func (r *StreamReformInfo) startTime(file *EncodeFileInput) time.Time {
	if len(r.times) == 0 || len(file.Ranges) == 0 {
		return time.Time{}
	}
	pts := r.filterFrames[file.Ranges[0].Start].PTS
	// Use the last time reading at or before the frame.
	ti := r.times[0]
	for _, t := range r.times[1:] {
		if nearPTS(pts, t.Clock/300) > pts {
			break
		}
		ti = t
	}
	at := nearPTS(pts, ti.Clock/300)
	return ti.JST.Add(ticksToDuration(float64(pts - at)))
}
