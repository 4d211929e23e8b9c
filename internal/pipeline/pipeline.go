// Package pipeline runs one session end to end: it reads a source,
// demultiplexes the selected service into elementary stream files and
// reforms the collected frames into output file descriptors.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsreform/internal/mpegts"
	"github.com/zsiec/tsreform/internal/reform"
	"github.com/zsiec/tsreform/internal/session"
	"github.com/zsiec/tsreform/internal/source"
	"github.com/zsiec/tsreform/internal/splitter"
)

// chunkSize is the read size from the source: 1024 TS packets.
const chunkSize = mpegts.PacketSize * 1024

// chunkQueue bounds how far the reader may run ahead of the demuxer.
const chunkQueue = 16

// File names written to Options.OutputDir.
const (
	VideoFile      = "video.es"
	CheckpointFile = "reform.bin"
)

// AudioFile returns the name of the elementary stream file of audio
// stream index.
func AudioFile(index int) string {
	return fmt.Sprintf("audio%d.aac", index)
}

// Options controls what a Pipeline produces besides the reformed timeline.
type Options struct {
	// OutputDir receives the elementary stream files and the checkpoint.
	// Empty discards the streams and skips the checkpoint.
	OutputDir string
	// Zones and Divs are applied after Prepare when either is set.
	Zones []reform.CMZone
	Divs  []int
	// CheckAudio fails the run when an output file exceeds the configured
	// audio sync limits.
	CheckAudio bool
	// ProgressInterval logs demux progress periodically; zero disables it.
	ProgressInterval time.Duration
}

// Result is the outcome of a successful run.
type Result struct {
	Split  *splitter.Result
	Reform *reform.StreamReformInfo
	Report reform.Report
}

// Progress is a point-in-time snapshot of a running pipeline.
type Progress struct {
	BytesRead    int64        `json:"bytesRead"`
	BytesDemuxed int64        `json:"bytesDemuxed"`
	Chunks       int64        `json:"chunks"`
	QueueDepth   int          `json:"queueDepth"`
	State        string       `json:"state"`
	Source       source.Stats `json:"source"`
}

// Pipeline couples a Source with a Splitter and the reform stage for one
// session.
type Pipeline struct {
	log  *slog.Logger
	sess *session.Context
	src  source.Source
	opts Options

	split *splitter.Splitter
	files []*outFile

	closeOnce    sync.Once
	bytesRead    atomic.Int64
	bytesDemuxed atomic.Int64
	chunks       atomic.Int64
	queueDepth   atomic.Int32
	state        atomic.Value
}

type outFile struct {
	f *os.File
	w *bufio.Writer
}

// New creates a Pipeline that reads src within sess. The pipeline owns src
// and closes it when Run returns.
func New(sess *session.Context, src source.Source, opts Options) *Pipeline {
	p := &Pipeline{
		log:  sess.Logger("pipeline").With("source", src.Name()),
		sess: sess,
		src:  src,
		opts: opts,
	}
	p.state.Store(splitter.StatePMTWaiting.String())
	return p
}

// Progress returns the current counters. It is safe to call while Run is
// in progress.
func (p *Pipeline) Progress() Progress {
	state, _ := p.state.Load().(string)
	return Progress{
		BytesRead:    p.bytesRead.Load(),
		BytesDemuxed: p.bytesDemuxed.Load(),
		Chunks:       p.chunks.Load(),
		QueueDepth:   int(p.queueDepth.Load()),
		State:        state,
		Source:       p.src.Stats(),
	}
}

func (p *Pipeline) closeSource() {
	p.closeOnce.Do(func() {
		if err := p.src.Close(); err != nil {
			p.log.Debug("source close error", "error", err)
		}
	})
}

func (p *Pipeline) create(name string) (io.Writer, error) {
	f, err := os.Create(filepath.Join(p.opts.OutputDir, name))
	if err != nil {
		return nil, err
	}
	of := &outFile{f: f, w: bufio.NewWriterSize(f, 1<<20)}
	p.files = append(p.files, of)
	return of.w, nil
}

func (p *Pipeline) closeFiles() error {
	var errs []error
	for _, of := range p.files {
		errs = append(errs, of.w.Flush(), of.f.Close())
	}
	p.files = nil
	return errors.Join(errs...)
}

func (p *Pipeline) outputs() (splitter.Outputs, error) {
	if p.opts.OutputDir == "" {
		return splitter.Outputs{}, nil
	}
	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return splitter.Outputs{}, err
	}
	video, err := p.create(VideoFile)
	if err != nil {
		return splitter.Outputs{}, err
	}
	return splitter.Outputs{
		Video: video,
		Audio: func(index int) (io.Writer, error) { return p.create(AudioFile(index)) },
	}, nil
}

// Run reads the source to the end, or until ctx is cancelled, and reforms
// what was demultiplexed. The reader runs in its own goroutine; all
// parsing happens on a single demux goroutine, in stream order.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	defer p.closeSource()

	out, err := p.outputs()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p.split = splitter.New(p.sess, out)
	start := time.Now()

	err = p.demux(ctx)
	if cerr := p.closeFiles(); err == nil && cerr != nil {
		err = fmt.Errorf("pipeline: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	p.log.Info("demux done", "elapsed", time.Since(start).Round(time.Millisecond),
		"bytes", p.bytesDemuxed.Load())

	return p.reform()
}

func (p *Pipeline) demux(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan []byte, chunkQueue)

	g.Go(func() error {
		<-gctx.Done()
		// Unblocks a reader stuck in Read.
		p.closeSource()
		return nil
	})

	g.Go(func() error {
		defer close(chunks)
		for {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(p.src, buf)
			if n > 0 {
				p.bytesRead.Add(int64(n))
				select {
				case chunks <- buf[:n]:
				case <-gctx.Done():
					return nil
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pipeline: read %s: %w", p.src.Name(), err)
			}
		}
	})

	g.Go(func() error {
		err := p.demuxLoop(gctx, chunks)
		if err == nil {
			err = p.split.Flush()
		}
		p.state.Store(p.split.State().String())
		if err != nil {
			return err
		}
		// Stops the close watcher.
		return errDone
	})

	err := g.Wait()
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

var errDone = errors.New("pipeline: done")

func (p *Pipeline) demuxLoop(ctx context.Context, chunks <-chan []byte) error {
	var tick <-chan time.Time
	if p.opts.ProgressInterval > 0 {
		t := time.NewTicker(p.opts.ProgressInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		p.queueDepth.Store(int32(len(chunks)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			pr := p.Progress()
			p.log.Info("progress", "state", pr.State, "bytes", pr.BytesDemuxed, "queue", pr.QueueDepth)
		case buf, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			if err := p.split.InputTsData(buf); err != nil {
				return err
			}
			p.bytesDemuxed.Add(int64(len(buf)))
			p.chunks.Add(1)
			p.state.Store(p.split.State().String())
		}
	}
}

func (p *Pipeline) reform() (*Result, error) {
	res := &Result{Split: p.split.Result()}
	r := reform.New(p.sess, res.Split)
	if err := r.Prepare(); err != nil {
		return nil, err
	}
	if p.opts.Zones != nil || p.opts.Divs != nil {
		if err := r.ApplyCMZones(p.opts.Zones, p.opts.Divs); err != nil {
			return nil, err
		}
	}
	res.Reform = r

	if p.opts.OutputDir != "" {
		if err := p.checkpoint(r); err != nil {
			return nil, err
		}
	}
	if p.opts.CheckAudio {
		if err := r.CheckAudio(); err != nil {
			return nil, err
		}
	}
	if err := p.sess.Check(); err != nil {
		return nil, err
	}
	res.Report = r.Report()
	p.log.Info("reform done", "files", len(res.Report.Files), "skipped", len(res.Report.Skipped),
		"duration", res.Report.Duration.Round(time.Millisecond))
	return res, nil
}

func (p *Pipeline) checkpoint(r *reform.StreamReformInfo) error {
	f, err := os.Create(filepath.Join(p.opts.OutputDir, CheckpointFile))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	w := bufio.NewWriter(f)
	err = r.Serialize(w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("pipeline: checkpoint: %w", err)
	}
	return nil
}
