// Package reform rebuilds the presentation timeline of a demuxed recording.
//
// StreamReformInfo takes the decode-order frame lists and stream events of
// a splitter run, unwraps the 33-bit timestamps, orders the frames for
// presentation, expands them into filter input frames and partitions those
// into output files by format segment, division point and CM zone. For
// every output file it selects the audio frames that follow the video
// timeline and places the captions.
package reform

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/zsiec/tsreform/internal/config"
	"github.com/zsiec/tsreform/internal/demux"
	"github.com/zsiec/tsreform/internal/session"
	"github.com/zsiec/tsreform/internal/splitter"
)

// defaultFrameDuration is used for frames of a format with no frame rate.
const defaultFrameDuration = 3003

// StreamReformInfo is the timeline of one recording. Call Prepare once the
// frame lists are complete, then ApplyCMZones to partition the output.
type StreamReformInfo struct {
	log  *slog.Logger
	sess *session.Context
	cfg  config.Config

	videoFrames []splitter.FileVideoFrameInfo
	audioFrames []splitter.FileAudioFrameInfo
	events      []splitter.StreamEvent
	captions    []demux.CaptionItem
	cea608      []demux.CEA608Caption
	times       []splitter.TimeInfo

	// restored timelines were counted by the run that wrote the
	// checkpoint; Prepare does not count their anomalies again.
	restored bool

	prepared      bool
	modPTS        []int64
	ordered       []int
	keyFrames     []int
	audioModPTS   []int64
	audioByStream [][]int
	captionModPTS []int64
	cea608ModPTS  []int64
	formats       []OutVideoFormat
	filterFrames  []FilterSourceFrame

	cmZones   []CMZone
	divs      []int
	files     []*EncodeFileInput
	skipped   []EncodeFileKey
	audioDiff AudioDiffInfo
}

// New creates the timeline from a splitter result.
func New(sess *session.Context, res *splitter.Result) *StreamReformInfo {
	return &StreamReformInfo{
		log:         sess.Logger("reform"),
		sess:        sess,
		cfg:         sess.Config(),
		videoFrames: res.VideoFrames,
		audioFrames: res.AudioFrames,
		events:      res.Events,
		captions:    res.Captions,
		cea608:      res.CEA608,
		times:       res.Times,
	}
}

// Prepare derives the presentation timeline and the default partition
// (no CM zones, no divisions).
func (r *StreamReformInfo) Prepare() error {
	if len(r.videoFrames) == 0 {
		return &FormatError{Op: "prepare", Err: ErrNoVideoFrames}
	}
	if err := r.unwrapVideo(); err != nil {
		return err
	}
	r.orderFrames()
	r.unwrapAudio()
	r.unwrapCaptions()
	frameFormat := r.buildFormats()
	r.buildFilterFrames(frameFormat)
	r.fillAudioFormats()
	r.prepared = true

	r.log.Info("timeline prepared",
		"video_frames", len(r.videoFrames),
		"filter_frames", len(r.filterFrames),
		"formats", len(r.formats),
		"audio_streams", len(r.audioByStream))
	return r.ApplyCMZones(nil, nil)
}

func (r *StreamReformInfo) unwrapVideo() error {
	raw := make([]int64, len(r.videoFrames))
	for i, f := range r.videoFrames {
		if f.PTS < 0 {
			return &FormatError{Op: "unwrap", Err: fmt.Errorf("%w: video frame %d", ErrMissingPTS, i)}
		}
		raw[i] = f.PTS
	}
	r.modPTS = UnwrapPTS(raw)
	for _, i := range backJumps(r.modPTS, config.Ticks(r.cfg.PTSJumpWarn)) {
		jump := (r.modPTS[i-1] - r.modPTS[i]) / 90
		if r.restored {
			r.log.Debug("video PTS jumped back", "frame", i, "jump_ms", jump)
			continue
		}
		r.sess.Warn(session.CounterNonContinuousPTS, "video PTS jumped back", "frame", i, "jump_ms", jump)
	}
	return nil
}

// orderFrames sorts the decode-order frames by unwrapped PTS and records
// the key frame each frame decodes from.
func (r *StreamReformInfo) orderFrames() {
	r.ordered = make([]int, len(r.videoFrames))
	for i := range r.ordered {
		r.ordered[i] = i
	}
	sort.SliceStable(r.ordered, func(a, b int) bool {
		return r.modPTS[r.ordered[a]] < r.modPTS[r.ordered[b]]
	})

	r.keyFrames = make([]int, len(r.videoFrames))
	key := -1
	for i, f := range r.videoFrames {
		if f.IsGopStart || f.Type == demux.FrameI {
			key = i
		}
		r.keyFrames[i] = key
	}
}

func (r *StreamReformInfo) unwrapAudio() {
	r.audioModPTS = make([]int64, len(r.audioFrames))
	var last []int64
	for i, a := range r.audioFrames {
		for len(last) <= a.AudioIdx {
			last = append(last, r.modPTS[0])
			r.audioByStream = append(r.audioByStream, nil)
		}
		mod := nearPTS(last[a.AudioIdx], a.PTS)
		last[a.AudioIdx] = mod
		r.audioModPTS[i] = mod
		r.audioByStream[a.AudioIdx] = append(r.audioByStream[a.AudioIdx], i)
	}
	for _, idx := range r.audioByStream {
		sort.SliceStable(idx, func(a, b int) bool {
			return r.audioModPTS[idx[a]] < r.audioModPTS[idx[b]]
		})
	}
}

func (r *StreamReformInfo) unwrapCaptions() {
	ref := r.modPTS[0]
	r.captionModPTS = make([]int64, len(r.captions))
	for i, c := range r.captions {
		ref = nearPTS(ref, c.PTS)
		r.captionModPTS[i] = ref
	}
	ref = r.modPTS[0]
	r.cea608ModPTS = make([]int64, len(r.cea608))
	for i, c := range r.cea608 {
		ref = nearPTS(ref, c.PTS)
		r.cea608ModPTS[i] = ref
	}
}

// buildFormats splits the decode-order frames into homogeneous segments at
// the stream events and returns the segment of every frame. A service
// layout change after the first frame starts a new source video. An audio
// format event splits only when it replaces a different known format; the
// first format of a stream just fills in the layout.
func (r *StreamReformInfo) buildFormats() []int {
	frameFormat := make([]int, len(r.videoFrames))
	video, numAudio := 0, 0
	var audio []demux.AudioFormat
	ev := 0
	for i, f := range r.videoFrames {
		split := i == 0
		for ; ev < len(r.events) && r.events[ev].FrameIdx <= i; ev++ {
			e := r.events[ev]
			switch e.Type {
			case splitter.PIDTableChanged:
				numAudio = e.NumAudio
				if len(audio) > numAudio {
					audio = audio[:numAudio]
				}
				for len(audio) < numAudio {
					audio = append(audio, demux.AudioFormat{})
				}
				if i > 0 {
					video++
					split = true
				}
			case splitter.AudioFormatChanged:
				if e.AudioIdx < 0 || e.AudioIdx >= len(audio) {
					continue
				}
				prev := audio[e.AudioIdx]
				audio[e.AudioIdx] = e.AudioFormat
				if i > 0 && prev != (demux.AudioFormat{}) && prev != e.AudioFormat {
					split = true
				}
			}
		}
		if n := len(r.formats); n > 0 {
			last := r.formats[n-1]
			if last.Video != video || last.Format != f.Format || last.NumAudio != numAudio {
				split = true
			}
		}
		if split {
			r.formats = append(r.formats, OutVideoFormat{Video: video, Format: f.Format, NumAudio: numAudio})
		}
		frameFormat[i] = len(r.formats) - 1
	}
	return frameFormat
}

// buildFilterFrames expands the presentation-order frames into output
// frames of two fields each. A field left over from one source frame is
// paired with the first field of the next into a half delay frame. The
// segment of a frame never moves back in presentation order.
func (r *StreamReformInfo) buildFilterFrames(frameFormat []int) {
	seg := -1
	carried := 0
	endSegment := func() {
		if seg < 0 {
			return
		}
		if carried != 0 && !r.restored {
			r.sess.Inc(session.CounterUnexpectedField)
		}
		carried = 0
		r.formats[seg].End = len(r.filterFrames)
	}

	for _, idx := range r.ordered {
		if s := frameFormat[idx]; s > seg {
			endSegment()
			// Segments no frame reaches in presentation order stay empty.
			for k := seg + 1; k <= s; k++ {
				r.formats[k].Start = len(r.filterFrames)
				r.formats[k].End = len(r.filterFrames)
			}
			seg = s
		}

		src := r.videoFrames[idx]
		fd := r.formats[seg].Format.FrameDuration()
		if fd == 0 {
			fd = defaultFrameDuration
		}
		frame := FilterSourceFrame{
			FrameIndex:    idx,
			FrameDuration: fd,
			FramePTS:      src.PTS,
			FileOffset:    src.FileOffset,
			KeyFrame:      r.keyFrames[idx],
		}
		pts := r.modPTS[idx]
		fields := src.Pic.Fields()
		if carried == 1 {
			f := frame
			f.HalfDelay = true
			f.PTS = pts - fd/2
			r.filterFrames = append(r.filterFrames, f)
			pts += fd / 2
			fields--
			carried = 0
		}
		for ; fields >= 2; fields -= 2 {
			f := frame
			f.PTS = pts
			r.filterFrames = append(r.filterFrames, f)
			pts += fd
		}
		carried = fields
	}
	endSegment()
}

// fillAudioFormats records the format of every audio stream at the start
// of each segment.
func (r *StreamReformInfo) fillAudioFormats() {
	for i := range r.formats {
		f := &r.formats[i]
		f.Audio = make([]demux.AudioFormat, f.NumAudio)
		if f.Start >= f.End {
			continue
		}
		start := r.filterFrames[f.Start].PTS
		for s := 0; s < f.NumAudio && s < len(r.audioByStream); s++ {
			idx := r.audioByStream[s]
			j := sort.Search(len(idx), func(k int) bool { return r.audioModPTS[idx[k]] >= start })
			if j == len(idx) {
				j--
			}
			if j >= 0 {
				f.Audio[s] = r.audioFrames[idx[j]].Format
			}
		}
	}
}

// formatAt returns the segment containing filter frame i.
func (r *StreamReformInfo) formatAt(i int) int {
	k := sort.Search(len(r.formats), func(k int) bool { return r.formats[k].End > i })
	if k == len(r.formats) {
		return len(r.formats) - 1
	}
	return k
}

// FilterFrames returns the filter input frames in output order.
func (r *StreamReformInfo) FilterFrames() []FilterSourceFrame { return r.filterFrames }

// Formats returns the format segments.
func (r *StreamReformInfo) Formats() []OutVideoFormat { return r.formats }

// PresentationOrder returns the decode-order frame indices sorted by PTS.
func (r *StreamReformInfo) PresentationOrder() []int { return r.ordered }

// ModifiedPTS returns the unwrapped PTS of decode-order frame i.
func (r *StreamReformInfo) ModifiedPTS(i int) int64 { return r.modPTS[i] }

// Files returns the output files of the current partition, sorted by key.
func (r *StreamReformInfo) Files() []*EncodeFileInput { return r.files }

// Skipped returns the keys of files dropped for being too short.
func (r *StreamReformInfo) Skipped() []EncodeFileKey { return r.skipped }

// AudioDiff returns the audio offset statistics over all files.
func (r *StreamReformInfo) AudioDiff() AudioDiffInfo { return r.audioDiff }
