package source

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Pcap replays the UDP payloads of a capture file as a byte stream. RTP
// headers are stripped when present.
type Pcap struct {
	log  *slog.Logger
	name string
	f    *os.File
	src  *gopacket.PacketSource
	port layers.UDPPort

	pending []byte
	m       meter

	packets int
	skipped int
}

func parsePcap(u *url.URL) (string, int, error) {
	path := u.Opaque
	if path == "" {
		path = u.Path
	}
	if path == "" {
		return "", 0, fmt.Errorf("source: pcap path is required")
	}
	port := 0
	if v := u.Query().Get("port"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 0xFFFF {
			return "", 0, fmt.Errorf("source: invalid pcap port %q", v)
		}
		port = n
	}
	return path, port, nil
}

// OpenPcap opens a pcap or pcapng file. Only UDP datagrams to port are
// used; port 0 accepts any.
func OpenPcap(path string, port int, log *slog.Logger) (*Pcap, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	var r packetReader
	if magic, _ := br.Peek(4); bytes.Equal(magic, pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("source: %s: %w", path, err)
	}
	return &Pcap{
		log:  log.With("component", "pcap", "file", path),
		name: path,
		f:    f,
		src:  gopacket.NewPacketSource(r, r.LinkType()),
		port: layers.UDPPort(port),
		m:    newMeter(),
	}, nil
}

func (s *Pcap) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		pkt, err := s.src.NextPacket()
		if errors.Is(err, io.EOF) {
			s.log.Debug("capture finished", "datagrams", s.packets, "skipped", s.skipped)
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		s.pending = s.payload(pkt)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	s.m.record(n)
	return n, nil
}

func (s *Pcap) payload(pkt gopacket.Packet) []byte {
	l := pkt.Layer(layers.LayerTypeUDP)
	if l == nil {
		return nil
	}
	udp := l.(*layers.UDP)
	if s.port != 0 && udp.DstPort != s.port {
		return nil
	}
	s.packets++
	b, ok := stripRTP(udp.Payload)
	if !ok {
		s.skipped++
		return nil
	}
	return b
}

// stripRTP returns the TS payload of a datagram, removing an RTP header
// (with CSRCs and extension) when the datagram does not start with a TS
// sync byte.
func stripRTP(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	if b[0] == 0x47 {
		return b, true
	}
	if b[0]>>6 != 2 || len(b) < 12 {
		return nil, false
	}
	off := 12 + 4*int(b[0]&0x0F)
	if b[0]&0x10 != 0 {
		if len(b) < off+4 {
			return nil, false
		}
		off += 4 + 4*int(binary.BigEndian.Uint16(b[off+2:]))
	}
	end := len(b)
	if b[0]&0x20 != 0 && end > off {
		// Padding count is the last byte.
		end -= int(b[end-1])
	}
	if off >= end || b[off] != 0x47 {
		return nil, false
	}
	return b[off:end], true
}

func (s *Pcap) Close() error { return s.f.Close() }

func (s *Pcap) Name() string { return s.name }

func (s *Pcap) Stats() Stats { return s.m.stats() }
