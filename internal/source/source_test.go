package source

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestParseSRT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri     string
		want    SRTRequest
		wantErr bool
	}{
		{uri: "srt://10.0.0.1:9000", want: SRTRequest{Address: "10.0.0.1:9000"}},
		{uri: "srt://host:9000?streamid=live/bs1", want: SRTRequest{Address: "host:9000", StreamID: "live/bs1"}},
		{uri: "srt:///nohost", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.uri, func(t *testing.T) {
			t.Parallel()
			u, err := url.Parse(tc.uri)
			if err != nil {
				t.Fatal(err)
			}
			got, err := parseSRT(u)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestParsePcap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri     string
		path    string
		port    int
		wantErr bool
	}{
		{uri: "pcap:cap.pcap", path: "cap.pcap"},
		{uri: "pcap:cap.pcap?port=1234", path: "cap.pcap", port: 1234},
		{uri: "pcap:/data/cap.pcapng?port=5000", path: "/data/cap.pcapng", port: 5000},
		{uri: "pcap:cap.pcap?port=70000", wantErr: true},
		{uri: "pcap:cap.pcap?port=x", wantErr: true},
		{uri: "pcap:", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.uri, func(t *testing.T) {
			t.Parallel()
			u, err := url.Parse(tc.uri)
			if err != nil {
				t.Fatal(err)
			}
			path, port, err := parsePcap(u)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q %d", path, port)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if path != tc.path || port != tc.port {
				t.Fatalf("expected %q %d, got %q %d", tc.path, tc.port, path, port)
			}
		})
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{0x47, 0x1F, 0xFF, 0x10}, 47*10)
	path := filepath.Join(t.TempDir(), "in.ts")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()
	if _, ok := src.(*File); !ok {
		t.Fatalf("expected *File, got %T", src)
	}
	got, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %d bytes back, got %d", len(data), len(got))
	}
	st := src.Stats()
	if st.BytesReceived != int64(len(data)) || st.ReadCount == 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if src.Name() != path {
		t.Fatalf("expected name %q, got %q", path, src.Name())
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.ts"), nil); err == nil {
		t.Fatal("expected error")
	}
}
