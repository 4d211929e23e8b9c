package source

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func tsPayload(fill byte) []byte {
	b := make([]byte, 7*188)
	for i := 0; i < 7; i++ {
		pkt := b[i*188 : (i+1)*188]
		pkt[0], pkt[1], pkt[2], pkt[3] = 0x47, 0x01, 0x00, 0x10|byte(i)
		for j := 4; j < 188; j++ {
			pkt[j] = fill
		}
	}
	return b
}

func rtpWrap(payload []byte, seq uint16) []byte {
	hdr := []byte{0x80, 33, byte(seq >> 8), byte(seq), 0, 0, 0, 0, 0, 0, 0, 1}
	return append(hdr, payload...)
}

func writeCapture(t *testing.T, datagrams []struct {
	port    uint16
	payload []byte
}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cap.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	for i, d := range datagrams {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x01, 0, 0x5E, 0, 0, 1},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      16,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP{10, 0, 0, 1},
			DstIP:    net.IP{239, 0, 0, 1},
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(d.port)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			t.Fatal(err)
		}
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(d.payload)); err != nil {
			t.Fatal(err)
		}
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestPcap(t *testing.T) {
	t.Parallel()

	a, b, c := tsPayload(0xAA), tsPayload(0xBB), tsPayload(0xCC)
	path := writeCapture(t, []struct {
		port    uint16
		payload []byte
	}{
		{1234, a},
		{5000, b},
		{1234, rtpWrap(c, 1)},
	})

	tests := []struct {
		name string
		uri  string
		want []byte
	}{
		{"port filter", "pcap:" + path + "?port=1234", append(append([]byte{}, a...), c...)},
		{"any port", path, append(append(append([]byte{}, a...), b...), c...)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src, err := Open(context.Background(), tc.uri, nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer src.Close()
			if _, ok := src.(*Pcap); !ok {
				t.Fatalf("expected *Pcap, got %T", src)
			}
			got, err := io.ReadAll(src)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("expected %d bytes, got %d", len(tc.want), len(got))
			}
			if src.Stats().BytesReceived != int64(len(tc.want)) {
				t.Fatalf("expected %d bytes counted, got %d", len(tc.want), src.Stats().BytesReceived)
			}
		})
	}
}

func TestStripRTP(t *testing.T) {
	t.Parallel()

	ts := tsPayload(0x11)
	withCSRC := append([]byte{0x82, 33, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}, ts...)
	withExt := append([]byte{0x90, 33, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0xBE, 0xDE, 0, 1, 1, 2, 3, 4}, ts...)
	padded := append(rtpWrap(ts, 2), 0, 0, 3)
	padded[0] |= 0x20

	tests := []struct {
		name string
		in   []byte
		want []byte
		ok   bool
	}{
		{"plain ts", ts, ts, true},
		{"rtp", rtpWrap(ts, 1), ts, true},
		{"rtp csrc", withCSRC, ts, true},
		{"rtp extension", withExt, ts, true},
		{"rtp padding", padded, ts, true},
		{"empty", nil, nil, false},
		{"not rtp", []byte{0x00, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, nil, false},
		{"rtp without ts", rtpWrap([]byte{1, 2, 3}, 1), nil, false},
		{"short extension", []byte{0x90, 33, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1, 0xBE}, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := stripRTP(tc.in)
			if ok != tc.ok {
				t.Fatalf("expected ok %v, got %v", tc.ok, ok)
			}
			if !bytes.Equal(got, tc.want) {
				t.Fatalf("expected %d bytes, got %d", len(tc.want), len(got))
			}
		})
	}
}
