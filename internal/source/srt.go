package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// SRTRequest describes a remote SRT listener to pull from.
type SRTRequest struct {
	Address  string `json:"address"`
	StreamID string `json:"streamId,omitempty"`
}

// SRT is a caller-mode SRT connection. Reads are message sized; each one
// carries whole 188-byte packets.
type SRT struct {
	log  *slog.Logger
	name string
	conn *srtgo.Conn
	m    meter
}

func parseSRT(u *url.URL) (SRTRequest, error) {
	if u.Host == "" {
		return SRTRequest{}, fmt.Errorf("source: srt address is required")
	}
	return SRTRequest{Address: u.Host, StreamID: u.Query().Get("streamid")}, nil
}

// DialSRT dials the remote SRT listener, giving up after ten seconds or
// when ctx is cancelled.
func DialSRT(ctx context.Context, req SRTRequest, log *slog.Logger) (*SRT, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("source: srt address is required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-caller")

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if req.StreamID != "" {
		cfg.StreamID = req.StreamID
	}
	log.Info("dialing", "address", req.Address, "stream_id", req.StreamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("source: SRT dial failed: %w", res.err)
		}
		s := &SRT{
			log:  log,
			name: "srt/" + extractStreamKey(req.StreamID),
			conn: res.conn,
			m:    newMeter(),
		}
		s.m.setRemoteAddr(req.Address)
		log.Info("connected", "address", req.Address)
		return s, nil
	case <-timer.C:
		go drainDial(ch)
		return nil, fmt.Errorf("source: SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go drainDial(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// drainDial closes a connection that completes after the caller gave up.
func drainDial(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func (s *SRT) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Debug("read error", "error", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
	}
	s.m.record(n)
	return n, nil
}

// Close closes the connection and logs its totals.
func (s *SRT) Close() error {
	st := s.m.stats()
	s.log.Info("pull ended", "bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
	s.conn.Close()
	return nil
}

func (s *SRT) Name() string { return s.name }

func (s *SRT) Stats() Stats { return s.m.stats() }

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
