package reform

import (
	"time"

	"github.com/zsiec/tsreform/internal/session"
)

// FileReport summarises one output file.
type FileReport struct {
	Key           EncodeFileKey `json:"key"`
	Frames        int           `json:"frames"`
	Duration      time.Duration `json:"duration"`
	SilenceFrames int           `json:"silenceFrames"`
	Captions      int           `json:"captions"`
	AudioAvgDiff  time.Duration `json:"audioAvgDiff"`
	AudioMaxDiff  time.Duration `json:"audioMaxDiff"`
	StartTime     time.Time     `json:"startTime,omitzero"`
}

// Report summarises the timeline and its partition.
type Report struct {
	VideoFrames  int               `json:"videoFrames"`
	AudioFrames  int               `json:"audioFrames"`
	FilterFrames int               `json:"filterFrames"`
	Captions     int               `json:"captions"`
	Duration     time.Duration     `json:"duration"`
	SrcBitrate   float64           `json:"srcBitrate"` // video bits per second
	Formats      []OutVideoFormat  `json:"formats"`
	Files        []FileReport      `json:"files"`
	Skipped      []EncodeFileKey   `json:"skipped,omitempty"`
	AudioDiff    AudioDiffInfo     `json:"audioDiff"`
	Counters     []session.Counter `json:"counters,omitempty"`
}

// Report builds the summary of the prepared timeline.
func (r *StreamReformInfo) Report() Report {
	rep := Report{
		VideoFrames:  len(r.videoFrames),
		AudioFrames:  len(r.audioFrames),
		FilterFrames: len(r.filterFrames),
		Captions:     len(r.captions) + len(r.cea608),
		Formats:      r.formats,
		Skipped:      r.skipped,
		AudioDiff:    r.audioDiff,
		Counters:     r.sess.Counters(),
	}
	var ticks int64
	for _, f := range r.filterFrames {
		ticks += f.FrameDuration
	}
	rep.Duration = ticksToDuration(float64(ticks))
	if ticks > 0 {
		var size int64
		for _, f := range r.videoFrames {
			size += int64(f.CodedDataSize)
		}
		rep.SrcBitrate = float64(size*8) * 90000 / float64(ticks)
	}
	for _, file := range r.files {
		fr := FileReport{
			Key:          file.Key,
			Frames:       file.NumFrames(),
			Duration:     ticksToDuration(float64(file.Duration)),
			Captions:     len(file.Captions),
			AudioAvgDiff: file.AudioDiff.AvgDiff(),
			AudioMaxDiff: file.AudioDiff.MaxDiff(),
			StartTime:    file.StartTime,
		}
		for _, a := range file.Audio {
			for _, idx := range a {
				if idx < 0 {
					fr.SilenceFrames++
				}
			}
		}
		rep.Files = append(rep.Files, fr)
	}
	return rep
}

// CheckAudio applies the configured audio sync limits to every file.
func (r *StreamReformInfo) CheckAudio() error {
	for _, file := range r.files {
		if err := file.AudioDiff.Check(r.cfg.AudioMaxAvgDiff, r.cfg.AudioMaxDiff); err != nil {
			return &FormatError{Op: "audio " + file.Key.String(), Err: err}
		}
	}
	return nil
}
