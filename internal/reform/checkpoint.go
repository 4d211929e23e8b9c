package reform

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/tsreform/internal/demux"
	"github.com/zsiec/tsreform/internal/mpegts"
	"github.com/zsiec/tsreform/internal/session"
	"github.com/zsiec/tsreform/internal/splitter"
)

// Checkpoint layout: a fixed header followed by the frame, event, caption
// and time lists, then the CM zones and division points. Counts and
// integers are QUIC variable-length integers (signed values zigzag
// encoded); floats and wall clock times are 64-bit big endian.
const (
	checkpointMagic   = 0x54535246 // "TSRF"
	checkpointVersion = 2
)

type ckWriter struct {
	buf []byte
}

func (w *ckWriter) u32(v uint32) {
	var b [4]byte
	pio.PutU32BE(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *ckWriter) u16(v uint16) {
	var b [2]byte
	pio.PutU16BE(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *ckWriter) u64(v uint64) {
	var b [8]byte
	pio.PutU64BE(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *ckWriter) uint(v uint64) { w.buf = quicvarint.Append(w.buf, v) }

func (w *ckWriter) int(v int64) { w.uint(uint64(v<<1) ^ uint64(v>>63)) }

func (w *ckWriter) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *ckWriter) float(v float64) { w.u64(math.Float64bits(v)) }

func (w *ckWriter) bytes(b []byte) {
	w.uint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *ckWriter) time(t time.Time) {
	w.bool(!t.IsZero())
	if !t.IsZero() {
		w.u64(uint64(t.UnixNano()))
	}
}

type ckReader struct {
	b   []byte
	err error
}

func (r *ckReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrCheckpoint, fmt.Sprintf(format, args...))
	}
}

func (r *ckReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.fail("truncated")
		return nil
	}
	b := r.b[:n]
	r.b = r.b[n:]
	return b
}

func (r *ckReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return pio.U32BE(b)
	}
	return 0
}

func (r *ckReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return pio.U16BE(b)
	}
	return 0
}

func (r *ckReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return pio.U64BE(b)
	}
	return 0
}

func (r *ckReader) uint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := quicvarint.Parse(r.b)
	if err != nil {
		r.fail("varint: %v", err)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *ckReader) int() int64 {
	v := r.uint()
	return int64(v>>1) ^ -int64(v&1)
}

func (r *ckReader) bool() bool {
	if b := r.take(1); b != nil {
		return b[0] != 0
	}
	return false
}

func (r *ckReader) float() float64 { return math.Float64frombits(r.u64()) }

// count reads a list length. Every element takes at least one byte, so a
// count larger than the remaining input is corrupt.
func (r *ckReader) count() int {
	n := r.uint()
	if n > uint64(len(r.b)) {
		r.fail("list length %d exceeds remaining %d bytes", n, len(r.b))
		return 0
	}
	return int(n)
}

func (r *ckReader) bytes() []byte {
	n := r.count()
	if n == 0 {
		return nil
	}
	return append([]byte(nil), r.take(n)...)
}

func (r *ckReader) time() time.Time {
	if !r.bool() {
		return time.Time{}
	}
	return time.Unix(0, int64(r.u64())).In(mpegts.JST)
}

func writeVideoFormat(w *ckWriter, f demux.VideoFormat) {
	for _, v := range []int{int(f.Codec), f.Width, f.Height, f.DisplayWidth, f.DisplayHeight,
		f.SarWidth, f.SarHeight, f.FrameRateNum, f.FrameRateDen,
		f.ColorPrimaries, f.TransferChar, f.MatrixCoeffs} {
		w.int(int64(v))
	}
	w.bool(f.Progressive)
	w.bool(f.FullColorRange)
}

func readVideoFormat(r *ckReader) demux.VideoFormat {
	var v [12]int
	for i := range v {
		v[i] = int(r.int())
	}
	return demux.VideoFormat{
		Codec: demux.VideoCodec(v[0]), Width: v[1], Height: v[2],
		DisplayWidth: v[3], DisplayHeight: v[4],
		SarWidth: v[5], SarHeight: v[6],
		FrameRateNum: v[7], FrameRateDen: v[8],
		ColorPrimaries: v[9], TransferChar: v[10], MatrixCoeffs: v[11],
		Progressive:    r.bool(),
		FullColorRange: r.bool(),
	}
}

func writeAudioFormat(w *ckWriter, f demux.AudioFormat) {
	w.int(int64(f.ObjectType))
	w.int(int64(f.SampleRate))
	w.int(int64(f.ChannelConfig))
	w.int(int64(f.Channels))
}

func readAudioFormat(r *ckReader) demux.AudioFormat {
	return demux.AudioFormat{
		ObjectType:    int(r.int()),
		SampleRate:    int(r.int()),
		ChannelConfig: int(r.int()),
		Channels:      int(r.int()),
	}
}

// Serialize writes the input lists and the current partition. The derived
// timeline is rebuilt on Deserialize.
func (r *StreamReformInfo) Serialize(out io.Writer) error {
	w := &ckWriter{}
	w.u32(checkpointMagic)
	w.u16(checkpointVersion)

	w.uint(uint64(len(r.videoFrames)))
	for _, f := range r.videoFrames {
		writeVideoFormat(w, f.Format)
		w.bool(f.IsGopStart)
		w.int(int64(f.Pic))
		w.int(int64(f.Type))
		w.int(f.PTS)
		w.int(f.DTS)
		w.int(int64(f.CodedDataSize))
		w.int(f.FileOffset)
	}

	w.uint(uint64(len(r.audioFrames)))
	for _, f := range r.audioFrames {
		w.int(int64(f.AudioIdx))
		writeAudioFormat(w, f.Format)
		w.int(f.PTS)
		w.int(int64(f.NumSamples))
		w.int(int64(f.CodedDataSize))
		w.int(f.FileOffset)
	}

	w.uint(uint64(len(r.events)))
	for _, e := range r.events {
		w.int(int64(e.Type))
		w.int(int64(e.FrameIdx))
		w.int(int64(e.AudioIdx))
		w.int(int64(e.NumAudio))
		writeAudioFormat(w, e.AudioFormat)
	}

	w.uint(uint64(len(r.captions)))
	for _, c := range r.captions {
		w.int(c.Clock)
		w.int(c.PTS)
		w.int(c.OrigPTS)
		w.bool(c.Corrected)
		w.int(int64(c.GroupID))
		w.int(int64(c.LangIndex))
		w.bool(c.Management)
		w.uint(uint64(len(c.Languages)))
		for _, l := range c.Languages {
			w.int(int64(l.Tag))
			w.int(int64(l.DMF))
			w.bytes([]byte(l.Language))
			w.int(int64(l.Format))
			w.int(int64(l.TCS))
			w.int(int64(l.RollupMode))
		}
		w.uint(uint64(len(c.Units)))
		for _, u := range c.Units {
			w.buf = append(w.buf, u.Parameter)
			w.bytes(u.Data)
		}
	}

	w.uint(uint64(len(r.cea608)))
	for _, c := range r.cea608 {
		w.int(c.PTS)
		w.int(int64(c.Channel))
		w.bytes([]byte(c.Text))
	}

	w.uint(uint64(len(r.times)))
	for _, t := range r.times {
		w.int(t.Clock)
		w.time(t.JST)
	}

	w.bool(r.prepared)
	w.uint(uint64(len(r.cmZones)))
	for _, z := range r.cmZones {
		w.int(int64(z.Start))
		w.int(int64(z.End))
	}
	w.uint(uint64(len(r.divs)))
	for _, d := range r.divs {
		w.int(int64(d))
	}
	w.float(r.audioDiff.SumPtsDiff)

	_, err := out.Write(w.buf)
	return err
}

// Deserialize reads a checkpoint written by Serialize and rebuilds the
// timeline and partition it describes. Timestamp and field anomalies met
// while rebuilding are logged at debug level only; sess counted them when
// the checkpoint was written.
func Deserialize(sess *session.Context, in io.Reader) (*StreamReformInfo, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	r := &ckReader{b: data}
	if m := r.u32(); r.err == nil && m != checkpointMagic {
		r.fail("magic %08x", m)
	}
	if v := r.u16(); r.err == nil && v != checkpointVersion {
		r.fail("version %d", v)
	}

	var res splitter.Result
	if n := r.count(); n > 0 {
		res.VideoFrames = make([]splitter.FileVideoFrameInfo, n)
		for i := range res.VideoFrames {
			f := &res.VideoFrames[i]
			f.Format = readVideoFormat(r)
			f.IsGopStart = r.bool()
			f.Pic = demux.PictureType(r.int())
			f.Type = demux.FrameType(r.int())
			f.PTS = r.int()
			f.DTS = r.int()
			f.CodedDataSize = int(r.int())
			f.FileOffset = r.int()
		}
	}

	if n := r.count(); n > 0 {
		res.AudioFrames = make([]splitter.FileAudioFrameInfo, n)
		for i := range res.AudioFrames {
			f := &res.AudioFrames[i]
			f.AudioIdx = int(r.int())
			f.Format = readAudioFormat(r)
			f.PTS = r.int()
			f.NumSamples = int(r.int())
			f.CodedDataSize = int(r.int())
			f.FileOffset = r.int()
		}
	}

	if n := r.count(); n > 0 {
		res.Events = make([]splitter.StreamEvent, n)
		for i := range res.Events {
			res.Events[i] = splitter.StreamEvent{
				Type:        splitter.EventType(r.int()),
				FrameIdx:    int(r.int()),
				AudioIdx:    int(r.int()),
				NumAudio:    int(r.int()),
				AudioFormat: readAudioFormat(r),
			}
		}
	}

	if n := r.count(); n > 0 {
		res.Captions = make([]demux.CaptionItem, n)
		for i := range res.Captions {
			c := &res.Captions[i]
			c.Clock = r.int()
			c.PTS = r.int()
			c.OrigPTS = r.int()
			c.Corrected = r.bool()
			c.GroupID = int(r.int())
			c.LangIndex = int(r.int())
			c.Management = r.bool()
			if n := r.count(); n > 0 {
				c.Languages = make([]demux.CaptionLanguage, n)
				for j := range c.Languages {
					c.Languages[j] = demux.CaptionLanguage{
						Tag:        int(r.int()),
						DMF:        int(r.int()),
						Language:   string(r.bytes()),
						Format:     int(r.int()),
						TCS:        int(r.int()),
						RollupMode: int(r.int()),
					}
				}
			}
			if n := r.count(); n > 0 {
				c.Units = make([]demux.DataUnit, n)
				for j := range c.Units {
					var p byte
					if b := r.take(1); b != nil {
						p = b[0]
					}
					c.Units[j] = demux.DataUnit{Parameter: p, Data: r.bytes()}
				}
			}
		}
	}

	if n := r.count(); n > 0 {
		res.CEA608 = make([]demux.CEA608Caption, n)
		for i := range res.CEA608 {
			res.CEA608[i] = demux.CEA608Caption{
				PTS:     r.int(),
				Channel: int(r.int()),
				Text:    string(r.bytes()),
			}
		}
	}

	if n := r.count(); n > 0 {
		res.Times = make([]splitter.TimeInfo, n)
		for i := range res.Times {
			res.Times[i] = splitter.TimeInfo{Clock: r.int(), JST: r.time()}
		}
	}

	prepared := r.bool()
	var zones []CMZone
	if n := r.count(); n > 0 {
		zones = make([]CMZone, n)
		for i := range zones {
			zones[i] = CMZone{Start: int(r.int()), End: int(r.int())}
		}
	}
	var divs []int
	if n := r.count(); n > 0 {
		divs = make([]int, n)
		for i := range divs {
			divs[i] = int(r.int())
		}
	}
	sum := r.float()
	if r.err == nil && len(r.b) != 0 {
		r.fail("%d trailing bytes", len(r.b))
	}
	if r.err != nil {
		return nil, r.err
	}

	info := New(sess, &res)
	info.restored = true
	if !prepared {
		return info, nil
	}
	if err := info.Prepare(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	if err := info.ApplyCMZones(zones, divs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	if info.audioDiff.SumPtsDiff != sum {
		return nil, fmt.Errorf("%w: audio diff %v does not match recorded %v", ErrCheckpoint, info.audioDiff.SumPtsDiff, sum)
	}
	return info, nil
}
