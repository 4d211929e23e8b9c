package splitter

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/zsiec/tsreform/internal/demux"
	"github.com/zsiec/tsreform/internal/mpegts"
	"github.com/zsiec/tsreform/internal/session"
)

// countingWriter tracks the offset of the next byte written to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func newCountingWriter(w io.Writer) *countingWriter {
	if w == nil {
		w = io.Discard
	}
	return &countingWriter{w: w}
}

type audioStream struct {
	info   mpegts.PMTESInfo
	asm    *mpegts.PESAssembler
	parser *demux.AdtsParser
}

// esHandler receives the routed packets of the selected service and turns
// them into frames, events and elementary stream files.
type esHandler struct {
	s    *Splitter
	log  *slog.Logger
	sess *session.Context

	video         mpegts.PMTESInfo
	videoAsm      *mpegts.PESAssembler
	videoParser   demux.VideoParser
	videoOut      *countingWriter
	videoFormat   demux.VideoFormat
	pendingOffset int64

	audio    []*audioStream
	audioOut map[int]*countingWriter

	caption    mpegts.PMTESInfo
	captionAsm *mpegts.PESAssembler
	captions   *demux.CaptionParser
	cea608     *demux.CEA608Extractor

	unpaired int
	lost     int
	err      error
}

func newESHandler(s *Splitter) *esHandler {
	return &esHandler{
		s:             s,
		log:           s.log,
		sess:          s.sess,
		video:         mpegts.NoStream,
		caption:       mpegts.NoStream,
		videoOut:      newCountingWriter(s.out.Video),
		pendingOffset: -1,
		audioOut:      make(map[int]*countingWriter),
		captions:      demux.NewCaptionParser(s.cfg.CaptionTiming()),
		cea608:        demux.NewCEA608Extractor(),
	}
}

type unpairer interface {
	Unpaired() int
}

func (h *esHandler) OnPidTableChanged(video mpegts.PMTESInfo, audio []mpegts.PMTESInfo, caption mpegts.PMTESInfo) {
	h.s.onPidTableChanged()
	res := &h.s.res

	if video != h.video {
		h.flushVideo()
		h.video = video
		h.videoAsm, h.videoParser = nil, nil
		h.pendingOffset = -1
		if video.Valid() {
			if p, ok := demux.NewVideoParser(video.StreamType); ok {
				if hp, ok := p.(*demux.H264Parser); ok {
					hp.SEIHandler = h.onSEI
				}
				h.videoParser = p
				h.videoAsm = mpegts.NewPESAssembler(h.onVideoPES)
			} else {
				h.log.Warn("unsupported video stream type", "pid", video.PID, "stream_type", video.StreamType)
			}
		}
	}

	if !h.sameAudio(audio) {
		h.flushAudio()
		h.audio = h.audio[:0]
		for i, info := range audio {
			idx := i
			h.audio = append(h.audio, &audioStream{
				info:   info,
				parser: demux.NewAdtsParser(),
				asm: mpegts.NewPESAssembler(func(clock int64, pes []byte) {
					h.onAudioPES(idx, clock, pes)
				}),
			})
		}
	}

	if caption != h.caption {
		h.flushCaption()
		h.caption = caption
		h.captionAsm = nil
		if caption.Valid() {
			h.captionAsm = mpegts.NewPESAssembler(h.onCaptionPES)
		}
	}

	res.Events = append(res.Events, StreamEvent{
		Type:     PIDTableChanged,
		FrameIdx: len(res.VideoFrames),
		NumAudio: len(audio),
	})
	h.log.Info("PID table changed",
		"video_pid", video.PID, "video_type", video.StreamType,
		"audio", len(audio), "caption_pid", caption.PID,
		"frame", len(res.VideoFrames))
}

func (h *esHandler) sameAudio(audio []mpegts.PMTESInfo) bool {
	return slices.EqualFunc(h.audio, audio, func(a *audioStream, info mpegts.PMTESInfo) bool {
		return a.info == info
	})
}

func (h *esHandler) OnVideoPacket(clock int64, p mpegts.Packet) {
	if h.videoAsm != nil {
		h.videoAsm.Push(clock, p)
	}
}

func (h *esHandler) OnAudioPacket(clock int64, p mpegts.Packet, index int) {
	if index < len(h.audio) {
		h.audio[index].asm.Push(clock, p)
	}
}

func (h *esHandler) OnCaptionPacket(clock int64, p mpegts.Packet) {
	if h.captionAsm != nil {
		h.captionAsm.Push(clock, p)
	}
}

func (h *esHandler) OnTime(clock int64, jst time.Time) {
	h.s.onTime(clock, jst)
}

func (h *esHandler) write(w *countingWriter, b []byte) bool {
	if h.err != nil {
		return false
	}
	if _, err := w.Write(b); err != nil {
		h.err = fmt.Errorf("splitter: write elementary stream: %w", err)
		return false
	}
	return true
}

func (h *esHandler) onVideoPES(clock int64, data []byte) {
	pes := mpegts.PESPacket{Data: data}
	if !pes.Parse() || !pes.Check() {
		h.log.Debug("invalid video PES", "pid", h.video.PID)
		return
	}
	if !pes.HasPTS() {
		h.sess.Warn(session.CounterNoPTS, "video PES without PTS dropped", "pid", h.video.PID)
		return
	}
	pts := pes.PTS()
	dts := pts
	if pes.HasDTS() {
		dts = pes.DTS()
	}
	payload := pes.Payload()
	hp, isH264 := h.videoParser.(*demux.H264Parser)
	var extrapolated int
	if isH264 {
		extrapolated = hp.Extrapolated
	}
	frames, ok := h.videoParser.InputFrame(payload, pts, dts)
	if !ok {
		h.sess.Inc(session.CounterDecodeFail)
		return
	}
	if isH264 && hp.Extrapolated > extrapolated {
		h.sess.Add(session.CounterH264PTSMismatch, int64(hp.Extrapolated-extrapolated))
	}

	offset := h.videoOut.n
	if !h.write(h.videoOut, payload) {
		return
	}
	if len(frames) == 0 {
		// First field of a pair; the frame starts here.
		h.pendingOffset = offset
		return
	}
	if h.pendingOffset >= 0 {
		offset = h.pendingOffset
		h.pendingOffset = -1
	}

	res := &h.s.res
	for _, f := range frames {
		if f.Format != h.videoFormat {
			h.videoFormat = f.Format
			res.Events = append(res.Events, StreamEvent{Type: VideoFormatChanged, FrameIdx: len(res.VideoFrames)})
			h.log.Info("video format changed", "format", f.Format.String(), "frame", len(res.VideoFrames))
		}
		res.VideoFrames = append(res.VideoFrames, FileVideoFrameInfo{VideoFrameInfo: f, FileOffset: offset})
		offset += int64(f.CodedDataSize)
	}
}

func (h *esHandler) onSEI(nal []byte, pts int64) {
	caps := h.cea608.InputSEI(nal, pts)
	h.s.res.CEA608 = append(h.s.res.CEA608, caps...)
}

func (h *esHandler) audioWriter(index int) *countingWriter {
	if w, ok := h.audioOut[index]; ok {
		return w
	}
	var out io.Writer
	if h.s.out.Audio != nil {
		w, err := h.s.out.Audio(index)
		if err != nil {
			h.err = fmt.Errorf("splitter: open audio %d: %w", index, err)
		}
		out = w
	}
	cw := newCountingWriter(out)
	h.audioOut[index] = cw
	return cw
}

func (h *esHandler) onAudioPES(index int, clock int64, data []byte) {
	a := h.audio[index]
	pes := mpegts.PESPacket{Data: data}
	if !pes.Parse() || !pes.Check() {
		h.log.Debug("invalid audio PES", "pid", a.info.PID)
		return
	}
	pts := int64(-1)
	if pes.HasPTS() {
		pts = pes.PTS()
	}
	frames, changed := a.parser.InputFrame(pes.Payload(), pts)
	res := &h.s.res
	if changed {
		f := a.parser.Format()
		res.Events = append(res.Events, StreamEvent{
			Type:        AudioFormatChanged,
			FrameIdx:    len(res.VideoFrames),
			AudioIdx:    index,
			AudioFormat: f,
		})
		h.log.Info("audio format changed", "index", index,
			"sample_rate", f.SampleRate, "channels", f.Channels, "frame", len(res.VideoFrames))
	}
	if len(frames) == 0 {
		return
	}

	w := h.audioWriter(index)
	for _, f := range frames {
		if f.PTS < 0 {
			h.sess.Inc(session.CounterUnknownPTS)
			continue
		}
		offset := w.n
		if !h.write(w, f.Data) {
			return
		}
		res.AudioFrames = append(res.AudioFrames, FileAudioFrameInfo{
			AudioIdx:      index,
			Format:        f.Format,
			PTS:           f.PTS,
			NumSamples:    f.NumSamples,
			CodedDataSize: len(f.Data),
			FileOffset:    offset,
		})
	}
}

func (h *esHandler) onCaptionPES(clock int64, data []byte) {
	pes := mpegts.PESPacket{Data: data}
	if !pes.Parse() || !pes.Check() {
		return
	}
	pts := int64(-1)
	if pes.HasPTS() {
		pts = pes.PTS()
	}
	item, ok := h.captions.InputFrame(pes.Payload(), pts, clock)
	if !ok {
		return
	}
	if item.Corrected {
		h.sess.Warn(session.CounterCaptionPTS, "caption PTS out of range, corrected",
			"pts", pts, "corrected", item.PTS)
	}
	if !item.Management && item.UsesDRCS() && !item.HasDRCS() {
		h.sess.Inc(session.CounterNoDrcsMap)
		h.log.Debug("caption uses undefined DRCS", "group", item.GroupID, "pts", item.PTS)
	}
	h.s.res.Captions = append(h.s.res.Captions, item)
}

func (h *esHandler) flushVideo() {
	if h.videoAsm == nil {
		return
	}
	h.videoAsm.Flush()
	h.lost += h.videoAsm.Lost
	if u, ok := h.videoParser.(unpairer); ok {
		h.unpaired += u.Unpaired()
	}
}

func (h *esHandler) flushAudio() {
	for _, a := range h.audio {
		a.asm.Flush()
		h.lost += a.asm.Lost
	}
}

func (h *esHandler) flushCaption() {
	if h.captionAsm == nil {
		return
	}
	h.captionAsm.Flush()
	h.lost += h.captionAsm.Lost
}

// flush delivers the pending PES packets at the end of the stream.
func (h *esHandler) flush() {
	h.flushVideo()
	h.flushAudio()
	h.flushCaption()
	h.videoAsm, h.captionAsm = nil, nil
	h.videoParser = nil
	h.audio = nil
	if h.err != nil {
		h.s.fail(h.err)
	}
}

func (h *esHandler) stats(st *Stats) {
	st.UnpairedFields = h.unpaired
	st.PESLost = h.lost
	if u, ok := h.videoParser.(unpairer); ok {
		st.UnpairedFields += u.Unpaired()
	}
	if h.videoAsm != nil {
		st.PESLost += h.videoAsm.Lost
	}
	for _, a := range h.audio {
		st.PESLost += a.asm.Lost
	}
	if h.captionAsm != nil {
		st.PESLost += h.captionAsm.Lost
	}
	st.CaptionCRCErrors = h.captions.CRCErrors
	st.CaptionCorrections = h.captions.Corrections
}
