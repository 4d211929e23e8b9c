package tstest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/asticode/go-astits"

	"github.com/zsiec/tsreform/internal/mpegts"
)

// TestStream_AstitsOracle checks the synthetic stream with an independent
// demuxer.
func TestStream_AstitsOracle(t *testing.T) {
	t.Parallel()
	s := NewStream()
	s.Section(mpegts.PIDPAT, PAT(7, Program{Number: 1, PID: 0x100}))
	s.Section(0x100, PMT(1, 0x101, 0,
		ES{Type: mpegts.StreamTypeH264, PID: 0x101},
		ES{Type: mpegts.StreamTypeADTS, PID: 0x102},
	))
	s.PCR(0x101, 27000000)
	for i := 0; i < 4; i++ {
		au := AnnexB(H264AUD(), H264SPS(H264Default), H264PPS(), H264Slice(true, SliceI, 0, false, false, false))
		s.PES(0x101, BuildPES(0xE0, 90000+int64(i)*3003, -1, au))
		s.PES(0x102, BuildPES(0xC0, 90000+int64(i)*1920, -1, ADTSFrame(3, 2, 300)))
	}

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(s.Bytes()), astits.DemuxerOptPacketSize(mpegts.PacketSize))
	var (
		pat      *astits.PATData
		pmt      *astits.PMTData
		videoPTS []int64
		audio    int
	)
	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			t.Fatalf("NextData: %v", err)
		}
		switch {
		case data.PAT != nil:
			pat = data.PAT
		case data.PMT != nil:
			pmt = data.PMT
		case data.PES != nil && data.FirstPacket.Header.PID == 0x101:
			if oh := data.PES.Header.OptionalHeader; oh != nil && oh.PTS != nil {
				videoPTS = append(videoPTS, oh.PTS.Base)
			}
		case data.PES != nil && data.FirstPacket.Header.PID == 0x102:
			audio++
		}
	}

	if pat == nil || len(pat.Programs) != 1 || pat.Programs[0].ProgramMapID != 0x100 {
		t.Fatalf("unexpected PAT %+v", pat)
	}
	if pat.TransportStreamID != 7 {
		t.Errorf("expected TSID 7, got %d", pat.TransportStreamID)
	}
	if pmt == nil || len(pmt.ElementaryStreams) != 2 || pmt.PCRPID != 0x101 {
		t.Fatalf("unexpected PMT %+v", pmt)
	}
	if pmt.ElementaryStreams[1].ElementaryPID != 0x102 {
		t.Errorf("expected audio on 0x102, got 0x%X", pmt.ElementaryStreams[1].ElementaryPID)
	}
	if len(videoPTS) < 3 {
		t.Fatalf("expected at least 3 video PES, got %d", len(videoPTS))
	}
	for i, pts := range videoPTS {
		if want := 90000 + int64(i)*3003; pts != want {
			t.Errorf("PES %d: expected PTS %d, got %d", i, want, pts)
		}
	}
	if audio < 3 {
		t.Errorf("expected at least 3 audio PES, got %d", audio)
	}
}

func TestPacketize(t *testing.T) {
	t.Parallel()
	var cc uint8 = 14
	data := bytes.Repeat([]byte{0xAB}, 400)
	ts := Packetize(data, 0x123, &cc)
	if len(ts) != 3*mpegts.PacketSize {
		t.Fatalf("expected 3 packets, got %d bytes", len(ts))
	}
	if cc != 1 {
		t.Errorf("expected cc to wrap to 1, got %d", cc)
	}
	var got []byte
	for i := 0; i < 3; i++ {
		p, ok := mpegts.NewPacket(ts[i*mpegts.PacketSize : (i+1)*mpegts.PacketSize])
		if !ok {
			t.Fatalf("packet %d invalid", i)
		}
		if p.PID() != 0x123 {
			t.Errorf("packet %d: PID 0x%X", i, p.PID())
		}
		if p.PayloadUnitStart() != (i == 0) {
			t.Errorf("packet %d: unexpected PUSI", i)
		}
		got = append(got, p.Payload()...)
	}
	if !bytes.Equal(got, data) {
		t.Error("payloads do not reassemble to the input")
	}
}

func TestLongSectionCRC(t *testing.T) {
	t.Parallel()
	sec := PMT(1, 0x100, 3, ES{Type: mpegts.StreamTypePrivatePES, PID: 0x130, Descriptors: StreamIdentifier(0x30)})
	pmt := mpegts.PMT{PsiSection: mpegts.PsiSection{Data: sec}}
	if !pmt.Parse() || !pmt.Check() {
		t.Fatal("built PMT does not validate")
	}
	if pmt.VersionNumber() != 3 {
		t.Errorf("expected version 3, got %d", pmt.VersionNumber())
	}
	if tag := mpegts.ComponentTag(pmt.Get(0).Descriptors); tag != 0x30 {
		t.Errorf("expected component tag 0x30, got 0x%X", tag)
	}
}
