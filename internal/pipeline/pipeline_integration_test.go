package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/tsreform/internal/source"
)

// TestIntegration_Recording runs a real broadcast recording named by
// TSREFORM_FIXTURE through the whole pipeline.
func TestIntegration_Recording(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	fixture := os.Getenv("TSREFORM_FIXTURE")
	if fixture == "" {
		t.Skip("TSREFORM_FIXTURE not set")
	}
	t.Parallel()

	src, err := source.Open(context.Background(), fixture, nil)
	if err != nil {
		t.Skipf("test fixture not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	out := t.TempDir()
	p := New(newSession(), src, Options{OutputDir: out, ProgressInterval: 5 * time.Second})
	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Split.VideoFrames) == 0 {
		t.Fatal("expected video frames")
	}
	if len(res.Report.Files) == 0 {
		t.Fatal("expected at least one output file")
	}

	var frames int
	for _, f := range res.Report.Files {
		frames += f.Frames
	}
	t.Logf("%s: %d video frames, %d files (%d frames), %d skipped, %v",
		fixture, len(res.Split.VideoFrames), len(res.Report.Files), frames,
		len(res.Report.Skipped), res.Report.Duration)

	if fi, err := os.Stat(filepath.Join(out, VideoFile)); err != nil || fi.Size() == 0 {
		t.Fatalf("expected a non-empty %s: %v", VideoFile, err)
	}
}
