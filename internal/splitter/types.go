package splitter

import (
	"time"

	"github.com/zsiec/tsreform/internal/demux"
	"github.com/zsiec/tsreform/internal/mpegts"
)

// EventType is the kind of a StreamEvent.
type EventType int

const (
	PIDTableChanged EventType = iota
	VideoFormatChanged
	AudioFormatChanged
)

var eventTypeNames = [...]string{"PID_TABLE_CHANGED", "VIDEO_FORMAT_CHANGED", "AUDIO_FORMAT_CHANGED"}

func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "UNKNOWN"
}

// StreamEvent marks a change of the service layout or of a stream format
// before the frame at FrameIdx. AudioIdx and AudioFormat are the audio
// stream and its new format for an AudioFormatChanged event; NumAudio is
// the audio stream count of a PIDTableChanged event.
type StreamEvent struct {
	Type        EventType         `json:"type"`
	FrameIdx    int               `json:"frameIdx"`
	AudioIdx    int               `json:"audioIdx"`
	NumAudio    int               `json:"numAudio"`
	AudioFormat demux.AudioFormat `json:"audioFormat"`
}

// FileVideoFrameInfo is a video frame and its position in the video
// elementary stream file.
type FileVideoFrameInfo struct {
	demux.VideoFrameInfo
	FileOffset int64
}

// FileAudioFrameInfo is an ADTS frame of audio stream AudioIdx and its
// position in that stream's file.
type FileAudioFrameInfo struct {
	AudioIdx      int
	Format        demux.AudioFormat
	PTS           int64
	NumSamples    int
	CodedDataSize int
	FileOffset    int64
}

// Duration returns the frame duration in 90 kHz ticks.
func (f FileAudioFrameInfo) Duration() int64 {
	if f.Format.SampleRate <= 0 {
		return 0
	}
	return int64(f.NumSamples) * mpegts.TimestampRate / int64(f.Format.SampleRate)
}

// TimeInfo correlates the broadcast wall clock with the system clock.
type TimeInfo struct {
	Clock int64     `json:"clock"` // 27 MHz
	JST   time.Time `json:"jst"`
}

// Stats summarises one demux run.
type Stats struct {
	TotalPackets       int64   `json:"totalPackets"`
	ScrambledPackets   int64   `json:"scrambledPackets"`
	InvalidPackets     int64   `json:"invalidPackets"`
	SkippedBytes       int64   `json:"skippedBytes"`
	Resyncs            int     `json:"resyncs"`
	PCRDiscontinuities int     `json:"pcrDiscontinuities"`
	Bandwidth          float64 `json:"bandwidth"`
	UnpairedFields     int     `json:"unpairedFields"`
	CaptionCRCErrors   int     `json:"captionCrcErrors"`
	CaptionCorrections int     `json:"captionCorrections"`
	PESLost            int     `json:"pesLost"`
}

// ScrambleRatio returns the share of scrambled packets.
func (s Stats) ScrambleRatio() float64 {
	if s.TotalPackets == 0 {
		return 0
	}
	return float64(s.ScrambledPackets) / float64(s.TotalPackets)
}

// Result is everything collected by a Splitter, in stream order.
type Result struct {
	ServiceID   int
	VideoFrames []FileVideoFrameInfo
	AudioFrames []FileAudioFrameInfo
	Events      []StreamEvent
	Captions    []demux.CaptionItem
	CEA608      []demux.CEA608Caption
	Times       []TimeInfo
	Stats       Stats
}
