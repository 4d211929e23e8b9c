package tstest

import "github.com/zsiec/tsreform/internal/mpegts"

// PIDs and program number used by Recording.
const (
	RecordingService  = 0x0400
	RecordingPMTPID   = 0x01F0
	RecordingVideoPID = 0x0111
	RecordingAudioPID = 0x0112
)

// Recording builds a single-service stream with n H.264 frames at
// 29.97 fps (an IDR every 15), one 48 kHz ADTS frame per video frame and a
// PCR on the video PID every five frames.
func Recording(n int) []byte {
	s := NewStream()
	s.Section(mpegts.PIDPAT, PAT(1, Program{Number: RecordingService, PID: RecordingPMTPID}))
	s.Section(RecordingPMTPID, PMT(RecordingService, RecordingVideoPID, 0,
		ES{Type: mpegts.StreamTypeH264, PID: RecordingVideoPID},
		ES{Type: mpegts.StreamTypeADTS, PID: RecordingAudioPID},
	))
	for i := 0; i < n; i++ {
		if i%5 == 0 {
			s.PCR(RecordingVideoPID, int64(mpegts.ClockRate)*10+int64(s.Packets())*5000)
		}
		nals := [][]byte{H264AUD()}
		if i%15 == 0 {
			nals = append(nals, H264SPS(H264Default), H264PPS(), H264Slice(true, SliceI, 0, false, false, false))
		} else {
			nals = append(nals, H264Slice(false, SliceP, 0, false, false, false))
		}
		pts := int64(i) * 3003
		s.PES(RecordingVideoPID, BuildPES(0xE0, pts, -1, AnnexB(nals...)))
		s.PES(RecordingAudioPID, BuildPES(0xC0, pts, -1, ADTSFrame(3, 2, 200)))
	}
	return s.Bytes()
}
