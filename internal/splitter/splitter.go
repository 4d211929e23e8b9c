// Package splitter demultiplexes the selected service of a transport stream
// into elementary stream files and frame lists.
//
// A Splitter needs a calibrated system clock before it can stamp packets,
// but the clock needs two PCR samples from a PID it only learns from the
// PMT. Input is therefore buffered until the PMT and two PCRs have been
// seen, then the buffered prefix is replayed through the full pipeline.
//
//	PMT_WAITING -> PCR_WAITING -> INIT_FINISHED
package splitter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/tsreform/internal/config"
	"github.com/zsiec/tsreform/internal/mpegts"
	"github.com/zsiec/tsreform/internal/session"
)

var (
	// ErrScrambled is returned by Flush when too many packets were
	// scrambled for the output to be usable.
	ErrScrambled = errors.New("splitter: stream is scrambled")
	// ErrNoClock is returned when the system clock could not be calibrated
	// within the replay buffer or before the end of the stream.
	ErrNoClock = errors.New("splitter: no PCR for the selected service")
)

// State is the initialisation state of a Splitter.
type State int

const (
	StatePMTWaiting State = iota
	StatePCRWaiting
	StateInitFinished
)

func (s State) String() string {
	switch s {
	case StatePMTWaiting:
		return "PMT_WAITING"
	case StatePCRWaiting:
		return "PCR_WAITING"
	case StateInitFinished:
		return "INIT_FINISHED"
	}
	return "UNKNOWN"
}

// Outputs receives the elementary streams. A nil Video writer or Audio
// func discards the data.
type Outputs struct {
	Video io.Writer
	// Audio returns the writer for the audio stream with the given index.
	// It is called once per index, on the first frame of that stream.
	Audio func(index int) (io.Writer, error)
}

// Splitter is the top-level demux state machine. It is not safe for
// concurrent use.
type Splitter struct {
	log  *slog.Logger
	sess *session.Context
	cfg  config.Config
	out  Outputs

	state  State
	parser *mpegts.PacketParser
	buffer *mpegts.PacketBuffer
	clock  *mpegts.SystemClock
	probe  *mpegts.PacketSelector
	sel    *mpegts.PacketSelector
	es     *esHandler

	total     int64
	scrambled int64
	err       error
	res       Result
}

// New creates a Splitter for the session.
func New(sess *session.Context, out Outputs) *Splitter {
	cfg := sess.Config()
	s := &Splitter{
		log:    sess.Logger("splitter"),
		sess:   sess,
		cfg:    cfg,
		out:    out,
		buffer: mpegts.NewPacketBuffer(cfg.ReplayBufferPackets),
		clock:  mpegts.NewSystemClock(),
	}
	s.parser = mpegts.NewPacketParser(s.onPacket)
	s.probe = mpegts.NewPacketSelector(s.log, cfg.Selector(), nopHandler{})
	return s
}

// State returns the current initialisation state.
func (s *Splitter) State() State { return s.state }

// InputTsData feeds the next chunk of the stream. After the first error
// all further input is ignored and the error is returned again.
func (s *Splitter) InputTsData(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.parser.InputTsData(data)
	return s.err
}

// Flush ends the stream: it delivers the pending PES packets and applies
// the scramble policy.
func (s *Splitter) Flush() error {
	if s.err != nil {
		return s.err
	}
	s.parser.Flush()
	if s.state != StateInitFinished {
		s.fail(fmt.Errorf("%w: stream ended in %s after %d packets", ErrNoClock, s.state, s.buffer.Len()))
		return s.err
	}
	s.es.flush()
	if s.err != nil {
		return s.err
	}

	st := s.Stats()
	if st.PESLost > 0 {
		s.sess.Add(session.CounterPESLost, int64(st.PESLost))
	}
	ratio := st.ScrambleRatio()
	switch {
	case ratio > s.cfg.ScrambleErrorRatio:
		s.fail(fmt.Errorf("%w: %.1f%% of %d packets", ErrScrambled, ratio*100, st.TotalPackets))
		return s.err
	case ratio > s.cfg.ScrambleWarnRatio:
		s.log.Warn("scrambled packets dropped", "scrambled", st.ScrambledPackets, "total", st.TotalPackets,
			"ratio", fmt.Sprintf("%.1f%%", ratio*100))
	}
	s.log.Info("demux finished",
		"video_frames", len(s.res.VideoFrames),
		"audio_frames", len(s.res.AudioFrames),
		"captions", len(s.res.Captions),
		"events", len(s.res.Events),
		"bandwidth_kbps", int(st.Bandwidth/1000))
	return nil
}

// Result returns the frames and events collected so far.
func (s *Splitter) Result() *Result {
	s.res.Stats = s.Stats()
	s.res.ServiceID = -1
	if s.sel != nil {
		s.res.ServiceID = s.sel.ServiceID()
	}
	return &s.res
}

// Stats returns the running counters.
func (s *Splitter) Stats() Stats {
	st := Stats{
		TotalPackets:       s.total,
		ScrambledPackets:   s.scrambled,
		InvalidPackets:     s.parser.Invalid,
		SkippedBytes:       s.parser.SkippedBytes,
		Resyncs:            s.parser.Resyncs,
		PCRDiscontinuities: s.clock.Discontinuities(),
		Bandwidth:          s.clock.Bandwidth(),
	}
	if s.es != nil {
		s.es.stats(&st)
	}
	return st
}

func (s *Splitter) fail(err error) {
	if s.err == nil {
		s.err = err
		s.log.Error("demux failed", "error", err)
	}
}

func (s *Splitter) onPacket(p mpegts.Packet) {
	if s.err != nil {
		return
	}
	switch s.state {
	case StatePMTWaiting:
		if !s.buffer.Add(p) {
			s.fail(fmt.Errorf("%w: no PMT within %d packets", ErrNoClock, s.buffer.Len()))
			return
		}
		if err := s.probe.InputTsPacket(0, p); err != nil {
			s.fail(err)
			return
		}
		if pid := s.probe.PCRPID(); pid >= 0 {
			s.startPCRWaiting(pid)
		}
	case StatePCRWaiting:
		if !s.buffer.Add(p) {
			s.fail(fmt.Errorf("%w: fewer than two PCRs on PID 0x%X within %d packets",
				ErrNoClock, s.clock.PCRPID(), s.buffer.Len()))
			return
		}
		s.clock.InputTsPacket(p)
		if s.clock.PCRReceived() {
			s.finishInit()
		}
	case StateInitFinished:
		if err := s.processPacket(p); err != nil {
			s.fail(err)
		}
	}
}

func (s *Splitter) startPCRWaiting(pcrPID int) {
	s.log.Info("PMT received, waiting for PCR",
		"service_id", s.probe.ServiceID(), "pcr_pid", pcrPID, "buffered", s.buffer.Len())
	s.state = StatePCRWaiting
	s.clock.SetPCRPID(pcrPID)
	s.clock.KeepSamples(true)
	_ = s.buffer.Replay(func(p mpegts.Packet) error {
		s.clock.InputTsPacket(p)
		return nil
	})
	if s.clock.PCRReceived() {
		s.finishInit()
	}
}

// finishInit rewinds the clock to the first buffered packet and replays the
// buffer through a fresh selector and the elementary stream handlers. Every
// PCR seen while buffering is kept, so replayed packets are timed from the
// PCR pair around them.
func (s *Splitter) finishInit() {
	n := s.buffer.Len()
	s.log.Info("system clock calibrated", "pcr_pid", s.clock.PCRPID(), "replay_packets", n)
	s.state = StateInitFinished
	s.clock.BackTicks(n)
	s.es = newESHandler(s)
	s.sel = mpegts.NewPacketSelector(s.log, s.cfg.Selector(), s.es)
	s.probe = nil
	if err := s.buffer.Replay(s.processPacket); err != nil {
		s.fail(err)
	}
	s.buffer.Release()
	s.clock.KeepSamples(false)
}

func (s *Splitter) processPacket(p mpegts.Packet) error {
	s.clock.InputTsPacket(p)
	if p.PID() == mpegts.PIDNull {
		return nil
	}
	s.total++
	if p.ScramblingControl() != 0 {
		s.scrambled++
		return nil
	}
	if err := s.sel.InputTsPacket(s.clock.GetClock(0), p); err != nil {
		return err
	}
	return s.es.err
}

func (s *Splitter) onTime(clock int64, jst time.Time) {
	s.res.Times = append(s.res.Times, TimeInfo{Clock: clock, JST: jst})
	s.log.Debug("broadcast time", "jst", jst, "clock", clock)
}

func (s *Splitter) onPidTableChanged() {
	if pid := s.sel.PCRPID(); pid >= 0 {
		s.clock.SetPCRPID(pid)
	}
}

// nopHandler swallows the routed packets of the first pass.
type nopHandler struct{}

func (nopHandler) OnPidTableChanged(video mpegts.PMTESInfo, audio []mpegts.PMTESInfo, caption mpegts.PMTESInfo) {
}
func (nopHandler) OnVideoPacket(clock int64, p mpegts.Packet) {}
func (nopHandler) OnAudioPacket(clock int64, p mpegts.Packet, index int) {}
func (nopHandler) OnCaptionPacket(clock int64, p mpegts.Packet) {}
func (nopHandler) OnTime(clock int64, jst time.Time) {}
