package reform

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/tsreform/internal/demux"
)

var (
	// ErrNoVideoFrames is returned when there is nothing to reform.
	ErrNoVideoFrames = errors.New("reform: no video frames")
	// ErrMissingPTS is returned when a frame has no PTS to unwrap.
	ErrMissingPTS = errors.New("reform: frame without PTS")
	// ErrInvalidCMZones is returned for CM zones or division points that
	// are out of range or out of order.
	ErrInvalidCMZones = errors.New("reform: invalid CM zones")
	// ErrAudioSync is returned by AudioDiffInfo.Check when the audio
	// drifted further than allowed.
	ErrAudioSync = errors.New("reform: audio out of sync")
	// ErrCheckpoint is returned when a checkpoint cannot be decoded.
	ErrCheckpoint = errors.New("reform: bad checkpoint")
)

// FormatError records the operation that found inconsistent input.
type FormatError struct {
	Op  string
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("reform: %s: %v", e.Op, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// CMType classifies a filter frame.
type CMType int

const (
	CMTypeMain CMType = iota
	CMTypeCM
)

func (t CMType) String() string {
	if t == CMTypeCM {
		return "cm"
	}
	return "main"
}

// CMZone is a half-open range [Start, End) of filter frame indices.
type CMZone struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// FilterSourceFrame is one output frame of the filter input timeline.
// FrameIndex and KeyFrame index the decode-order video frame list.
type FilterSourceFrame struct {
	// HalfDelay marks a frame assembled from the last field of the
	// previous source frame and the first field of this one.
	HalfDelay     bool   `json:"halfDelay"`
	FrameIndex    int    `json:"frameIndex"`
	PTS           int64  `json:"pts"` // unwrapped
	FrameDuration int64  `json:"frameDuration"`
	FramePTS      int64  `json:"framePts"` // 33-bit PTS of the source frame
	FileOffset    int64  `json:"fileOffset"`
	KeyFrame      int    `json:"keyFrame"`
	CMType        CMType `json:"cmType"`
}

// OutVideoFormat is one homogeneous segment of the recording.
type OutVideoFormat struct {
	Video    int                 `json:"video"`
	Format   demux.VideoFormat   `json:"format"`
	Audio    []demux.AudioFormat `json:"audio"`
	NumAudio int                 `json:"numAudio"`
	// First filter frame of the segment.
	Start int `json:"start"`
	End   int `json:"end"`
}

// EncodeFileKey identifies one output file.
type EncodeFileKey struct {
	Video  int    `json:"video"`
	Format int    `json:"format"`
	Div    int    `json:"div"`
	CM     CMType `json:"cm"`
}

func (k EncodeFileKey) less(o EncodeFileKey) bool {
	switch {
	case k.Video != o.Video:
		return k.Video < o.Video
	case k.Format != o.Format:
		return k.Format < o.Format
	case k.Div != o.Div:
		return k.Div < o.Div
	}
	return k.CM < o.CM
}

func (k EncodeFileKey) String() string {
	return fmt.Sprintf("v%d-f%d-d%d-%s", k.Video, k.Format, k.Div, k.CM)
}

// Range is a half-open range of filter frame indices.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of frames in the range.
func (r Range) Len() int { return r.End - r.Start }

// OutCaption is a caption placed on the output timeline of a file. Times
// are 90 kHz ticks from the start of the file.
type OutCaption struct {
	Source string `json:"source"` // "arib" or "cea608"
	Index  int    `json:"index"`
	Lang   int    `json:"lang,omitempty"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
	Text   string `json:"text,omitempty"`
}

// EncodeFileInput describes one output file.
type EncodeFileInput struct {
	Key    EncodeFileKey `json:"key"`
	Ranges []Range       `json:"ranges"`
	// Duration is the video duration in 90 kHz ticks.
	Duration int64 `json:"duration"`
	// Audio holds, per audio stream, the audio frame indices to play in
	// order. -1 is one frame of silence.
	Audio     [][]int       `json:"audio"`
	Captions  []OutCaption  `json:"captions"`
	StartTime time.Time     `json:"startTime,omitzero"`
	AudioDiff AudioDiffInfo `json:"audioDiff"`
}

// NumFrames returns the number of filter frames of the file.
func (in *EncodeFileInput) NumFrames() int {
	n := 0
	for _, r := range in.Ranges {
		n += r.Len()
	}
	return n
}

// AudioDiffInfo accumulates how far the selected audio frames were from
// the video timeline.
type AudioDiffInfo struct {
	SumPtsDiff             float64 `json:"sumPtsDiff"`
	TotalSrcFrames         int     `json:"totalSrcFrames"`
	TotalAudioFrames       int     `json:"totalAudioFrames"`
	TotalUniqueAudioFrames int     `json:"totalUniqueAudioFrames"`
	MaxPtsDiff             float64 `json:"maxPtsDiff"`
	MaxPtsDiffPos          int64   `json:"maxPtsDiffPos"`
	BasePts                int64   `json:"basePts"`
}

func (d *AudioDiffInfo) add(o AudioDiffInfo) {
	d.SumPtsDiff += o.SumPtsDiff
	d.TotalSrcFrames += o.TotalSrcFrames
	d.TotalAudioFrames += o.TotalAudioFrames
	d.TotalUniqueAudioFrames += o.TotalUniqueAudioFrames
	if o.MaxPtsDiff > d.MaxPtsDiff {
		d.MaxPtsDiff = o.MaxPtsDiff
		d.MaxPtsDiffPos = o.MaxPtsDiffPos
	}
}

// AvgDiff returns the mean absolute offset of the selected audio frames.
func (d AudioDiffInfo) AvgDiff() time.Duration {
	if d.TotalUniqueAudioFrames == 0 {
		return 0
	}
	return ticksToDuration(d.SumPtsDiff / float64(d.TotalUniqueAudioFrames))
}

// MaxDiff returns the largest offset of a selected audio frame.
func (d AudioDiffInfo) MaxDiff() time.Duration {
	return ticksToDuration(d.MaxPtsDiff)
}

// Check returns ErrAudioSync when the average or maximum offset exceeds
// the given limits. A zero limit is not checked.
func (d AudioDiffInfo) Check(maxAvg, maxDiff time.Duration) error {
	if avg := d.AvgDiff(); maxAvg > 0 && avg > maxAvg {
		return fmt.Errorf("%w: average %v exceeds %v", ErrAudioSync, avg, maxAvg)
	}
	if m := d.MaxDiff(); maxDiff > 0 && m > maxDiff {
		return fmt.Errorf("%w: max %v at %v exceeds %v", ErrAudioSync, m,
			ticksToDuration(float64(d.MaxPtsDiffPos-d.BasePts)), maxDiff)
	}
	return nil
}

func ticksToDuration(ticks float64) time.Duration {
	return time.Duration(ticks * float64(time.Second) / 90000)
}
