// Command srt-serve plays a transport stream file to SRT callers in real
// time, for exercising `tsreform split srt://...` without a broadcast
// source. The send rate is derived from the file's PCRs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codegangsta/cli"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsreform/internal/mpegts"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// chunkSize is the standard SRT payload: 7 TS packets.
const chunkSize = mpegts.PacketSize * 7

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	app := cli.NewApp()
	app.Name = "srt-serve"
	app.Usage = "serve a TS file to SRT callers at its PCR rate"
	app.UsageText = "srt-serve [options] <file.ts>"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr",
			Value: ":6000",
			Usage: "SRT listen address",
		},
		cli.StringFlag{
			Name:  "streamid",
			Usage: "accept only callers with this stream id",
		},
		cli.Float64Flag{
			Name:  "rate",
			Usage: "send rate in bytes per second (default: from PCR)",
		},
		cli.BoolFlag{
			Name:  "loop",
			Usage: "restart from the beginning at the end of the file",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		slog.Error("srt-serve failed", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.ShowAppHelp(c)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rate := c.Float64("rate")
	if rate <= 0 {
		rate = estimateRate(data)
	}
	if rate <= 0 {
		return fmt.Errorf("%s: no PCR to derive a rate from, use --rate", path)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	addr := c.String("addr")
	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	want := c.String("streamid")
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if want != "" && req.StreamID != want {
			return srtgo.RejPeer
		}
		return 0
	})
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	slog.Info("listening", "addr", addr, "file", path, "bytes_per_sec", int64(rate))

	loop := c.Bool("loop")
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("accept error", "error", err)
			continue
		}
		go serve(ctx, conn, data, rate, loop)
	}
}

func serve(ctx context.Context, conn *srtgo.Conn, data []byte, rate float64, loop bool) {
	defer conn.Close()
	log := slog.With("stream_id", conn.StreamID(), "remote", conn.RemoteAddr())
	log.Info("caller connected")

	start := time.Now()
	var sent int64
	for {
		for i := 0; i < len(data); i += chunkSize {
			if ctx.Err() != nil {
				return
			}
			end := min(i+chunkSize, len(data))
			if _, err := conn.Write(data[i:end]); err != nil {
				log.Info("caller gone", "error", err, "bytes", sent)
				return
			}
			sent += int64(end - i)
			if d := pace(sent, rate, time.Since(start)); d > 0 {
				time.Sleep(d)
			}
		}
		if !loop {
			log.Info("file sent", "bytes", sent, "elapsed", time.Since(start).Round(time.Millisecond))
			return
		}
	}
}

// pace returns how long to wait so that sent bytes do not run ahead of
// rate, measured against the start of the connection so that timing stays
// continuous across loops.
func pace(sent int64, rate float64, elapsed time.Duration) time.Duration {
	expected := time.Duration(float64(sent) / rate * float64(time.Second))
	return expected - elapsed
}

// estimateRate returns the mean transport rate in bytes per second between
// the first and the last PCR of the first PID carrying PCR, or 0.
func estimateRate(data []byte) float64 {
	pcrPID := -1
	var index, firstIndex, lastIndex int64
	var firstClock, lastClock, lastRaw int64
	samples := 0

	pp := mpegts.NewPacketParser(func(p mpegts.Packet) {
		defer func() { index++ }()
		if !p.HasAdaptationField() {
			return
		}
		af := p.AdaptationField()
		if !af.Check() || !af.HasPCR() {
			return
		}
		if pcrPID < 0 {
			pcrPID = int(p.PID())
		}
		if int(p.PID()) != pcrPID {
			return
		}
		raw := af.PCR()
		if samples == 0 {
			firstIndex, firstClock = index, raw
			lastClock = raw
		} else {
			lastClock += mpegts.SignedDiff(raw, lastRaw, mpegts.PCRWrap)
		}
		lastRaw, lastIndex = raw, index
		samples++
	})
	pp.InputTsData(data)
	pp.Flush()

	if samples < 2 || lastClock <= firstClock {
		return 0
	}
	bytes := float64(lastIndex-firstIndex) * mpegts.PacketSize
	return bytes * mpegts.ClockRate / float64(lastClock-firstClock)
}
