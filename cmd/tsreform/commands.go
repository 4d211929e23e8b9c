package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/codegangsta/cli"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsreform/internal/config"
	"github.com/zsiec/tsreform/internal/mpegts"
	"github.com/zsiec/tsreform/internal/pipeline"
	"github.com/zsiec/tsreform/internal/probe"
	"github.com/zsiec/tsreform/internal/reform"
	"github.com/zsiec/tsreform/internal/session"
	"github.com/zsiec/tsreform/internal/source"
)

// Files written next to the elementary streams by split.
const (
	filesJSON  = "files.json"
	reportJSON = "report.json"
)

// zoneFile is the CM analysis result handed to split and report.
type zoneFile struct {
	Zones []reform.CMZone `json:"zones"`
	Divs  []int           `json:"divs"`
}

func loadZones(path string) (zoneFile, error) {
	var z zoneFile
	if path == "" {
		return z, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return z, err
	}
	if err := json.Unmarshal(b, &z); err != nil {
		return z, fmt.Errorf("zones %s: %w", path, err)
	}
	return z, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// outputName derives a directory name from an input path or URI.
func outputName(input string) string {
	name, trimExt := input, true
	if u, err := url.Parse(input); err == nil && len(u.Scheme) > 1 {
		switch {
		case u.Opaque != "":
			name = u.Opaque
		case u.Host != "" && u.Query().Get("streamid") != "":
			name = u.Query().Get("streamid")
		case u.Host != "":
			name, trimExt = u.Host, false
		default:
			name = u.Path
		}
	}
	name = filepath.Base(name)
	if trimExt {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '?', '*':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == "_" {
		return "input"
	}
	return name
}

type probeResult struct {
	Input   string     `json:"input"`
	Packets int64      `json:"packets"`
	Info    probe.Info `json:"info"`
	Error   string     `json:"error,omitempty"`
}

func probeAction(ctx context.Context, c *cli.Context) error {
	inputs := c.Args()
	if len(inputs) == 0 {
		return cli.ShowCommandHelp(c, "probe")
	}
	maxBytes := c.Int64("max-bytes")
	video := c.Bool("video")

	results := make([]probeResult, len(inputs))
	var g errgroup.Group
	g.SetLimit(max(c.Int("jobs"), 1))
	for i, input := range inputs {
		g.Go(func() error {
			res := probeResult{Input: input}
			p, err := probeInput(ctx, input, video, maxBytes)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Packets = p.Packets()
				res.Info = p.Info()
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	if err := writeJSON(os.Stdout, results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			return cli.NewExitError("probe failed for at least one input", 1)
		}
	}
	return nil
}

func probeInput(ctx context.Context, input string, video bool, maxBytes int64) (*probe.Parser, error) {
	log := slog.Default().With("input", input)
	src, err := source.Open(ctx, input, log)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	p := probe.New(log, video)
	buf := make([]byte, mpegts.PacketSize*512)
	var read int64
	for !p.Complete() && read < maxBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			p.InputTsData(buf[:n])
			read += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if !p.Complete() {
		log.Warn("scan incomplete", "bytes", read)
	}
	return p, nil
}

func splitAction(ctx context.Context, c *cli.Context) error {
	inputs := c.Args()
	if len(inputs) == 0 {
		return cli.ShowCommandHelp(c, "split")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	zones, err := loadZones(c.String("zones"))
	if err != nil {
		return err
	}
	root := c.String("output")
	if root == "" {
		root = filepath.Join(cfg.WorkDir, "tsreform")
	}
	opts := pipeline.Options{
		Zones:            zones.Zones,
		Divs:             zones.Divs,
		CheckAudio:       c.Bool("check-audio"),
		ProgressInterval: c.Duration("progress"),
	}

	mgr := session.NewManager(nil)
	errs := make([]error, len(inputs))
	var g errgroup.Group
	g.SetLimit(max(c.Int("jobs"), 1))
	for i, input := range inputs {
		dir := root
		if len(inputs) > 1 {
			dir = filepath.Join(root, outputName(input))
		}
		g.Go(func() error {
			if err := splitInput(ctx, mgr, cfg, input, dir, opts); err != nil {
				errs[i] = fmt.Errorf("%s: %w", input, err)
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func splitInput(ctx context.Context, mgr *session.Manager, cfg config.Config, input, dir string, opts pipeline.Options) error {
	run, ok := mgr.Create(input, cfg)
	if !ok {
		return fmt.Errorf("input given twice")
	}
	defer mgr.Remove(input)

	src, err := source.Open(ctx, input, run.Ctx.Logger("source"))
	if err != nil {
		return err
	}
	opts.OutputDir = dir
	res, err := pipeline.New(run.Ctx, src, opts).Run(ctx)
	if err != nil {
		return err
	}
	run.Ctx.LogReport()

	if err := writeJSONFile(filepath.Join(dir, filesJSON), res.Reform.Files()); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(dir, reportJSON), res.Report); err != nil {
		return err
	}
	slog.Info("split finished", "input", input, "output", dir, "files", len(res.Report.Files))
	return nil
}

func reportAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.ShowCommandHelp(c, "report")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	zones, err := loadZones(c.String("zones"))
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sess := session.New(nil, cfg)
	r, err := reform.Deserialize(sess, f)
	if err != nil {
		return err
	}
	if zones.Zones != nil || zones.Divs != nil {
		if err := r.ApplyCMZones(zones.Zones, zones.Divs); err != nil {
			return err
		}
	}
	if c.Bool("check-audio") {
		if err := r.CheckAudio(); err != nil {
			return err
		}
	}
	if c.Bool("files") {
		return writeJSON(os.Stdout, r.Files())
	}
	return writeJSON(os.Stdout, r.Report())
}
