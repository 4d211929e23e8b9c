package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codegangsta/cli"

	"github.com/zsiec/tsreform/internal/config"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newApp(ctx).Run(os.Args); err != nil {
		slog.Error("tsreform failed", "error", err)
		os.Exit(1)
	}
}

func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()
	app.Name = "tsreform"
	app.Usage = "demultiplex broadcast transport streams and reform their timeline"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "log at debug level",
			EnvVar: "DEBUG",
		},
		cli.IntFlag{
			Name:  "service-id",
			Usage: "select the service with this program number",
		},
		cli.IntFlag{
			Name:  "service-index",
			Usage: "select the n-th service of the PAT when no service id is given",
		},
	}
	app.Before = func(c *cli.Context) error {
		level := slog.LevelInfo
		if c.GlobalBool("debug") {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "probe",
			Usage:     "list the services, events and time of each input",
			ArgsUsage: "<input>...",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "video",
					Usage: "also parse the first video frame of every service",
				},
				cli.Int64Flag{
					Name:  "max-bytes",
					Value: 64 << 20,
					Usage: "stop scanning after this many bytes",
				},
				cli.IntFlag{
					Name:  "jobs, j",
					Value: 4,
					Usage: "inputs scanned concurrently",
				},
			},
			Action: func(c *cli.Context) error { return probeAction(ctx, c) },
		},
		{
			Name:      "split",
			Usage:     "demultiplex the selected service and write output file descriptors",
			ArgsUsage: "<input>...",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output, o",
					Usage: "output directory (default: work dir)",
				},
				cli.StringFlag{
					Name:  "zones",
					Usage: "JSON file with CM zones and division points",
				},
				cli.BoolFlag{
					Name:  "check-audio",
					Usage: "fail when an output file exceeds the audio sync limits",
				},
				cli.DurationFlag{
					Name:  "progress",
					Value: 10 * time.Second,
					Usage: "progress log interval, 0 to disable",
				},
				cli.IntFlag{
					Name:  "jobs, j",
					Value: 2,
					Usage: "inputs processed concurrently",
				},
			},
			Action: func(c *cli.Context) error { return splitAction(ctx, c) },
		},
		{
			Name:      "report",
			Usage:     "print the report of a checkpoint, optionally re-partitioned",
			ArgsUsage: "<checkpoint>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "zones",
					Usage: "JSON file with CM zones and division points to apply",
				},
				cli.BoolFlag{
					Name:  "files",
					Usage: "print the output file descriptors instead of the summary",
				},
				cli.BoolFlag{
					Name:  "check-audio",
					Usage: "fail when an output file exceeds the audio sync limits",
				},
			},
			Action: reportAction,
		},
	}
	return app
}

// loadConfig reads the environment and applies the global flags on top.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if c.GlobalIsSet("service-id") {
		cfg.ServiceID = c.GlobalInt("service-id")
	}
	if c.GlobalIsSet("service-index") {
		cfg.ServiceIndex = c.GlobalInt("service-index")
	}
	return cfg, cfg.Validate()
}
