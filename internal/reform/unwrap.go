package reform

import "github.com/zsiec/tsreform/internal/mpegts"

// nearPTS returns the unwrapped timestamp closest to ref whose low 33 bits
// equal raw.
func nearPTS(ref, raw int64) int64 {
	return ref + mpegts.SignedDiff(raw, ref, mpegts.PTSWrap)
}

// UnwrapPTS unwraps a sequence of 33-bit timestamps by accumulating the
// signed difference of consecutive values. The result starts at raw[0].
func UnwrapPTS(raw []int64) []int64 {
	out := make([]int64, len(raw))
	for i, v := range raw {
		if i == 0 {
			out[i] = v
			continue
		}
		out[i] = nearPTS(out[i-1], v)
	}
	return out
}

// backJumps returns the indices where the unwrapped sequence moves back by
// more than limit ticks.
func backJumps(mod []int64, limit int64) []int {
	var idx []int
	for i := 1; i < len(mod); i++ {
		if mod[i-1]-mod[i] > limit {
			idx = append(idx, i)
		}
	}
	return idx
}
