package reform

import "math"

// nominalAudioDuration is one AAC frame at 48 kHz, used for silence when
// a stream has no frames to measure.
const nominalAudioDuration = 1024 * 90000 / 48000

// genAudio selects, for every audio stream of the file's segment, the
// audio frames that line up with the video timeline of the file. Frames
// that fall behind the video are dropped; gaps are filled with silence
// frames (-1) of the stream's nominal duration.
func (r *StreamReformInfo) genAudio(file *EncodeFileInput) {
	numAudio := r.formats[file.Key.Format].NumAudio
	file.Audio = make([][]int, numAudio)
	diff := AudioDiffInfo{TotalSrcFrames: file.NumFrames(), BasePts: r.modPTS[r.ordered[0]]}
	for s := range numAudio {
		var idx []int
		if s < len(r.audioByStream) {
			idx = r.audioByStream[s]
		}
		out, lost := r.selectAudio(file, idx, &diff)
		file.Audio[s] = out
		if lost > 0 {
			r.log.Info("audio gap filled with silence", "file", file.Key.String(),
				"stream", s, "lost", ticksToDuration(float64(lost)))
		}
	}
	file.AudioDiff = diff
}

func (r *StreamReformInfo) nominalDuration(idx []int) int64 {
	for _, i := range idx {
		if d := r.audioFrames[i].Duration(); d > 0 {
			return d
		}
	}
	return nominalAudioDuration
}

// selectAudio walks the file's filter frames keeping an output audio
// clock. The source time of the next audio sample is the PTS of the
// current filter frame plus the output audio lead within that frame.
func (r *StreamReformInfo) selectAudio(file *EncodeFileInput, idx []int, diff *AudioDiffInfo) (out []int, lost int64) {
	nominal := r.nominalDuration(idx)
	var outVideo, outAudio int64
	// j only moves forward: frames of a part cut from the file are
	// skipped, never replayed.
	j := 0
	for _, rg := range file.Ranges {
		for i := rg.Start; i < rg.End; i++ {
			f := r.filterFrames[i]
			frameStart := outVideo
			outVideo += f.FrameDuration
			for outAudio < outVideo {
				src := f.PTS + (outAudio - frameStart)
				for j < len(idx) && r.audioCenter(idx[j]) <= src {
					j++
				}
				if j < len(idx) {
					a := idx[j]
					dur := r.audioFrames[a].Duration()
					if dur <= 0 {
						dur = nominal
					}
					if d := r.audioModPTS[a] - src; d < dur/2 {
						out = append(out, a)
						outAudio += dur
						j++
						ad := math.Abs(float64(d))
						diff.SumPtsDiff += ad
						diff.TotalAudioFrames++
						diff.TotalUniqueAudioFrames++
						if ad > diff.MaxPtsDiff {
							diff.MaxPtsDiff = ad
							diff.MaxPtsDiffPos = src
						}
						continue
					}
				}
				out = append(out, -1)
				outAudio += nominal
				lost += nominal
				diff.TotalAudioFrames++
			}
		}
	}
	return out, lost
}

func (r *StreamReformInfo) audioCenter(i int) int64 {
	return r.audioModPTS[i] + r.audioFrames[i].Duration()/2
}
