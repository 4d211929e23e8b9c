// Package source opens the transport stream inputs of a session: local
// files (or stdin), SRT pulls from a remote listener, and pcap captures of
// UDP or RTP carried TS.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Stats captures read-level metrics of a source.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	StartedAt     int64  `json:"startedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Source is an input byte stream. Read returns io.EOF at the end of the
// stream; Close releases the underlying file or connection.
type Source interface {
	io.ReadCloser
	// Name identifies the source in logs and session keys.
	Name() string
	Stats() Stats
}

// meter counts reads. Stats may be polled from another goroutine while the
// source is read.
type meter struct {
	startedAt     time.Time
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

func newMeter() meter {
	return meter{startedAt: time.Now()}
}

func (m *meter) record(n int) {
	if n > 0 {
		m.bytesReceived.Add(int64(n))
	}
	m.readCount.Add(1)
}

func (m *meter) setRemoteAddr(addr string) {
	m.remoteAddr.Store(addr)
}

func (m *meter) stats() Stats {
	addr, _ := m.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: m.bytesReceived.Load(),
		ReadCount:     m.readCount.Load(),
		StartedAt:     m.startedAt.UnixMilli(),
		UptimeMs:      time.Since(m.startedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// File is a local file or stdin.
type File struct {
	name string
	f    *os.File
	m    meter
}

// OpenFile opens path for reading. "-" reads stdin.
func OpenFile(path string) (*File, error) {
	if path == "-" {
		return &File{name: "stdin", f: os.Stdin, m: newMeter()}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{name: path, f: f, m: newMeter()}, nil
}

func (s *File) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	s.m.record(n)
	return n, err
}

// Close closes the file. Stdin is left open.
func (s *File) Close() error {
	if s.f == os.Stdin {
		return nil
	}
	return s.f.Close()
}

func (s *File) Name() string { return s.name }

func (s *File) Stats() Stats { return s.m.stats() }

// Open opens the source named by uri:
//
//	srt://host:port?streamid=live/key   SRT caller
//	pcap:capture.pcap?port=1234        UDP/RTP payloads of a capture
//	capture.pcap, capture.pcapng       same, any UDP port
//	-                                  stdin
//	anything else                      a local file
//
// If log is nil, slog.Default() is used.
func Open(ctx context.Context, uri string, log *slog.Logger) (Source, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case strings.HasPrefix(uri, "srt://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		req, err := parseSRT(u)
		if err != nil {
			return nil, err
		}
		return DialSRT(ctx, req, log)
	case strings.HasPrefix(uri, "pcap:"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		path, port, err := parsePcap(u)
		if err != nil {
			return nil, err
		}
		return OpenPcap(path, port, log)
	}
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".pcap", ".pcapng":
		return OpenPcap(uri, 0, log)
	}
	return OpenFile(uri)
}
