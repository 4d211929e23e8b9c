// Package config holds the tunables of a reform session: service
// selection, replay buffering, scramble thresholds, caption timing and the
// output partition policy. Defaults come from Default and can be overridden
// from TSREFORM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/zsiec/tsreform/internal/demux"
	"github.com/zsiec/tsreform/internal/mpegts"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "TSREFORM_"

// Config is the configuration of one session.
type Config struct {
	// ServiceID selects a program by number. When zero, ServiceIndex
	// selects the n-th program of the PAT.
	ServiceID    int
	ServiceIndex int

	// ReplayBufferPackets bounds the packets kept for the replay after
	// clock calibration.
	ReplayBufferPackets int

	// Scrambled packet ratios above which a warning is logged and the run
	// fails.
	ScrambleWarnRatio  float64
	ScrambleErrorRatio float64

	// Accepted caption PTS lead over the system clock, and the lead used
	// when the PTS is rejected.
	CaptionMinDelay time.Duration
	CaptionMaxDelay time.Duration
	CaptionFallback time.Duration

	// PTSJumpWarn is the backward PTS jump reported while unwrapping.
	PTSJumpWarn time.Duration

	// MinOutputDuration drops output files shorter than this.
	MinOutputDuration time.Duration

	// Limits for the audio sync check run after reformation. Zero
	// disables a limit.
	AudioMaxAvgDiff time.Duration
	AudioMaxDiff    time.Duration

	// IgnoreNoDrcsMap keeps going when captions use DRCS glyphs without a
	// mapping.
	IgnoreNoDrcsMap bool

	// WorkDir receives the elementary stream files.
	WorkDir string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ReplayBufferPackets: 50000,
		ScrambleWarnRatio:   0.01,
		ScrambleErrorRatio:  0.30,
		CaptionMinDelay:     500 * time.Millisecond,
		CaptionMaxDelay:     1500 * time.Millisecond,
		CaptionFallback:     800 * time.Millisecond,
		PTSJumpWarn:         60 * time.Second,
		MinOutputDuration:   time.Second,
		AudioMaxAvgDiff:     100 * time.Millisecond,
		AudioMaxDiff:        500 * time.Millisecond,
		WorkDir:             os.TempDir(),
	}
}

// FromEnv returns Default overridden by the environment.
func FromEnv() (Config, error) {
	c := Default()
	e := &envReader{}
	c.ServiceID = e.int("SERVICE_ID", c.ServiceID)
	c.ServiceIndex = e.int("SERVICE_INDEX", c.ServiceIndex)
	c.ReplayBufferPackets = e.int("REPLAY_BUFFER", c.ReplayBufferPackets)
	c.ScrambleWarnRatio = e.float("SCRAMBLE_WARN", c.ScrambleWarnRatio)
	c.ScrambleErrorRatio = e.float("SCRAMBLE_ERROR", c.ScrambleErrorRatio)
	c.CaptionMinDelay = e.duration("CAPTION_MIN_DELAY", c.CaptionMinDelay)
	c.CaptionMaxDelay = e.duration("CAPTION_MAX_DELAY", c.CaptionMaxDelay)
	c.CaptionFallback = e.duration("CAPTION_FALLBACK", c.CaptionFallback)
	c.PTSJumpWarn = e.duration("PTS_JUMP_WARN", c.PTSJumpWarn)
	c.MinOutputDuration = e.duration("MIN_OUTPUT", c.MinOutputDuration)
	c.AudioMaxAvgDiff = e.duration("AUDIO_MAX_AVG_DIFF", c.AudioMaxAvgDiff)
	c.AudioMaxDiff = e.duration("AUDIO_MAX_DIFF", c.AudioMaxDiff)
	c.IgnoreNoDrcsMap = e.bool("IGNORE_NO_DRCS_MAP", c.IgnoreNoDrcsMap)
	c.WorkDir = envOr(EnvPrefix+"WORK_DIR", c.WorkDir)
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	switch {
	case c.ServiceID < 0:
		return fmt.Errorf("config: negative service id %d", c.ServiceID)
	case c.ServiceIndex < 0:
		return fmt.Errorf("config: negative service index %d", c.ServiceIndex)
	case c.ReplayBufferPackets <= 0:
		return fmt.Errorf("config: replay buffer must hold at least one packet")
	case c.ScrambleWarnRatio < 0 || c.ScrambleErrorRatio > 1 || c.ScrambleWarnRatio > c.ScrambleErrorRatio:
		return fmt.Errorf("config: scramble ratios %.2f/%.2f out of order", c.ScrambleWarnRatio, c.ScrambleErrorRatio)
	case c.CaptionMinDelay > c.CaptionMaxDelay:
		return fmt.Errorf("config: caption window %v-%v is empty", c.CaptionMinDelay, c.CaptionMaxDelay)
	}
	return nil
}

// Selector returns the service selection for the packet selector.
func (c Config) Selector() mpegts.SelectorConfig {
	return mpegts.SelectorConfig{ServiceID: c.ServiceID, ServiceIndex: c.ServiceIndex}
}

// CaptionTiming returns the caption PTS window in 90 kHz ticks.
func (c Config) CaptionTiming() demux.CaptionTiming {
	return demux.CaptionTiming{
		MinDelay: Ticks(c.CaptionMinDelay),
		MaxDelay: Ticks(c.CaptionMaxDelay),
		Fallback: Ticks(c.CaptionFallback),
	}
}

// Ticks converts d to 90 kHz ticks.
func Ticks(d time.Duration) int64 {
	return int64(d) * mpegts.TimestampRate / int64(time.Second)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envReader collects parse errors so every malformed variable is reported.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, string, bool) {
	key := EnvPrefix + name
	v := envOr(key, "")
	return key, v, v != ""
}

func (e *envReader) int(name string, fallback int) int {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return n
}

func (e *envReader) float(name string, fallback float64) float64 {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return f
}

func (e *envReader) duration(name string, fallback time.Duration) time.Duration {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return d
}

func (e *envReader) bool(name string, fallback bool) bool {
	key, v, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return b
}
