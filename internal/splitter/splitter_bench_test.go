package splitter

import (
	"testing"

	"github.com/zsiec/tsreform/internal/config"
	"github.com/zsiec/tsreform/internal/session"
	"github.com/zsiec/tsreform/internal/tstest"
)

func BenchmarkSplitter(b *testing.B) {
	data := tstest.Recording(300)
	cfg := config.Default()

	b.SetBytes(int64(len(data)))
	for b.Loop() {
		s := New(session.New(nil, cfg), Outputs{})
		if err := s.InputTsData(data); err != nil {
			b.Fatal(err)
		}
		if err := s.Flush(); err != nil {
			b.Fatal(err)
		}
	}
}
