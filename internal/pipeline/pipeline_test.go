package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/zsiec/tsreform/internal/config"
	"github.com/zsiec/tsreform/internal/reform"
	"github.com/zsiec/tsreform/internal/session"
	"github.com/zsiec/tsreform/internal/source"
	"github.com/zsiec/tsreform/internal/splitter"
	"github.com/zsiec/tsreform/internal/tstest"
)

func openStream(t *testing.T, data []byte) source.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.ts")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := source.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func newSession() *session.Context {
	return session.New(nil, config.Default())
}

func TestRun(t *testing.T) {
	t.Parallel()

	data := tstest.Recording(100)
	out := t.TempDir()
	p := New(newSession(), openStream(t, data), Options{OutputDir: out})

	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(res.Split.VideoFrames); got != 100 {
		t.Fatalf("expected 100 video frames, got %d", got)
	}
	if got := len(res.Report.Files); got != 1 {
		t.Fatalf("expected 1 output file, got %d", got)
	}
	if got := res.Report.Files[0].Frames; got != 100 {
		t.Fatalf("expected 100 frames in the file, got %d", got)
	}

	pr := p.Progress()
	if pr.BytesRead != int64(len(data)) || pr.BytesDemuxed != int64(len(data)) {
		t.Fatalf("unexpected progress %+v", pr)
	}
	if pr.State != splitter.StateInitFinished.String() {
		t.Fatalf("expected state %s, got %s", splitter.StateInitFinished, pr.State)
	}

	for _, name := range []string{VideoFile, AudioFile(0), CheckpointFile} {
		fi, err := os.Stat(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
		if fi.Size() == 0 {
			t.Fatalf("expected %s to be non-empty", name)
		}
	}

	f, err := os.Open(filepath.Join(out, CheckpointFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := reform.Deserialize(newSession(), f)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if len(r.Files()) != 1 || len(r.FilterFrames()) != 100 {
		t.Fatalf("unexpected checkpoint: %d files, %d filter frames", len(r.Files()), len(r.FilterFrames()))
	}
}

func TestRun_CMZones(t *testing.T) {
	t.Parallel()

	p := New(newSession(), openStream(t, tstest.Recording(100)), Options{
		Zones: []reform.CMZone{{Start: 30, End: 60}},
	})
	res, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	files := res.Report.Files
	if len(files) != 2 {
		t.Fatalf("expected 2 output files, got %d", len(files))
	}
	if files[0].Key.CM != reform.CMTypeMain || files[0].Frames != 70 {
		t.Fatalf("unexpected main file %+v", files[0])
	}
	if files[1].Key.CM != reform.CMTypeCM || files[1].Frames != 30 {
		t.Fatalf("unexpected cm file %+v", files[1])
	}
}

func TestRun_InvalidZones(t *testing.T) {
	t.Parallel()

	p := New(newSession(), openStream(t, tstest.Recording(100)), Options{
		Zones: []reform.CMZone{{Start: 60, End: 30}},
	})
	_, err := p.Run(context.Background())
	if !errors.Is(err, reform.ErrInvalidCMZones) {
		t.Fatalf("expected ErrInvalidCMZones, got %v", err)
	}
}

func TestRun_EmptySource(t *testing.T) {
	t.Parallel()

	p := New(newSession(), openStream(t, nil), Options{})
	_, err := p.Run(context.Background())
	if !errors.Is(err, splitter.ErrNoClock) {
		t.Fatalf("expected ErrNoClock, got %v", err)
	}
}

// pipeSource never produces data until closed.
type pipeSource struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeSource() *pipeSource {
	r, w := io.Pipe()
	return &pipeSource{r: r, w: w}
}

func (s *pipeSource) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *pipeSource) Close() error { return s.r.Close() }

func (s *pipeSource) Name() string { return "pipe" }

func (s *pipeSource) Stats() source.Stats { return source.Stats{} }

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := newPipeSource()
	_, err := New(newSession(), src, Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := src.w.Write([]byte{0x47}); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected the source to be closed, got %v", err)
	}
}
