package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"logscope/internal"
	"logscope/internal/common"
	"logscope/internal/inverted"
	"logscope/internal/search"
)

func overrideConfig(cfg Config, ctx *cli.Context) Config {
	if ctx.String("file") != "" {
		cfg.File = ctx.String("file")
	}
	if ctx.String("encoding") != "" {
		cfg.Encoding = ctx.String("encoding")
	}
	if ctx.String("fields") != "" {
		cfg.FieldPattern = ctx.String("fields")
	}
	if ctx.Int("buffer") != 0 {
		cfg.ScanBufferSize = ctx.Int("buffer")
	}
	if ctx.IsSet("follow") {
		cfg.Follow = ctx.Bool("follow")
	}
	if ctx.Duration("poll") != 0 {
		cfg.PollInterval = ctx.Duration("poll")
	}
	if ctx.IsSet("mmap") {
		cfg.UseMmap = ctx.Bool("mmap")
	}
	if ctx.Int("read-limit") != 0 {
		cfg.ReadLimit = ctx.Int("read-limit")
	}
	if ctx.Int("concurrency") != 0 {
		cfg.Concurrency = ctx.Int("concurrency")
	}
	if ctx.String("addr") != "" {
		cfg.HttpAddr = ctx.String("addr")
	}
	if ctx.String("log") != "" {
		cfg.LogEnv = ctx.String("log")
	}
	return cfg
}

// NewConsole builds the command line app, output goes to out.
func NewConsole(appCtx context.Context, out io.Writer) *cli.App {
	prepare := func(ctx *cli.Context) (Config, *zap.Logger, error) {
		cfg, err := LoadConfig(ctx.String("config"))
		noConfig := errors.Is(err, errNoConfigFile)
		if err != nil && !noConfig {
			return cfg, nil, err
		}
		if noConfig {
			cfg = DefaultCfg
		}
		cfg = overrideConfig(cfg, ctx)
		if err = cfg.Validate(); err != nil {
			return cfg, nil, err
		}

		logger, err := internal.NewLogger(cfg.LogEnv)
		if err != nil {
			return cfg, nil, err
		}
		if noConfig {
			logger.Info("No config file found, using default config")
		}
		logger.Debug("Loaded config", zap.Any("config", cfg))
		return cfg, logger, nil
	}

	// open prepares and indexes the document, a static load ignores follow mode.
	open := func(ctx *cli.Context, static bool) (*Logscope, error) {
		cfg, logger, err := prepare(ctx)
		if err != nil {
			return nil, err
		}
		if static {
			cfg.Follow = false
		}
		l, err := NewLogscope(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err = l.Load(appCtx); err != nil {
			_ = l.Close()
			return nil, err
		}
		return l, nil
	}

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "directory with logscope.yaml (defaults to cwd)",
		},
		&cli.StringFlag{
			Name:    "file",
			Aliases: []string{"f"},
			Usage:   "the log file to open",
		},
		&cli.StringFlag{
			Name:    "encoding",
			Aliases: []string{"e"},
			Usage:   "text encoding of the file: utf-8, utf-16le, utf-16be",
		},
		&cli.StringFlag{
			Name:  "fields",
			Usage: "a regular expression with named groups, each group becomes a field",
		},
		&cli.IntFlag{
			Name:  "buffer",
			Usage: "initial scan buffer size in bytes",
		},
		&cli.BoolFlag{
			Name:  "follow",
			Usage: "keep reading the file as it grows",
		},
		&cli.DurationFlag{
			Name:  "poll",
			Usage: "how often a followed file is checked for new data",
		},
		&cli.BoolFlag{
			Name:  "mmap",
			Usage: "memory map the file for random reads",
		},
		&cli.IntFlag{
			Name:  "read-limit",
			Usage: "caps the scanning speed in bytes per second",
		},
		&cli.IntFlag{
			Name:    "concurrency",
			Aliases: []string{"c"},
			Usage:   "the number of search workers",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "logger configuration: prod, dev, test",
		},
	}
	serveFlags := append(
		[]cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "where the HTTP API listens, example: \":8393\"",
			},
		}, flags...,
	)
	grepFlags := append(
		[]cli.Flag{
			&cli.BoolFlag{
				Name:    "substring",
				Aliases: []string{"F"},
				Usage:   "treat the pattern as a literal text",
			},
			&cli.BoolFlag{
				Name:    "line-number",
				Aliases: []string{"n"},
				Usage:   "prefix matches with their line numbers",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "hide matches with the key, field values separated by commas, example: \"INFO,auth\"",
			},
		}, flags...,
	)

	return &cli.App{
		Name:      "logscope",
		Usage:     "index a large log file and browse it",
		Writer:    out,
		ErrWriter: out,

		// commas separate the values of a key
		DisableSliceFlagSeparator: true,

		Commands: []*cli.Command{
			{
				Name:        "serve",
				Flags:       serveFlags,
				Description: "Indexes the file and serves the HTTP API while loading.",
				Action: func(ctx *cli.Context) error {
					cfg, logger, err := prepare(ctx)
					if err != nil {
						return err
					}
					defer logger.Sync()

					l, err := NewLogscope(cfg, logger)
					if err != nil {
						return err
					}
					defer l.Close()

					loadCtx, stopLoading := context.WithCancel(appCtx)
					defer stopLoading()
					l.StartLoading(loadCtx)
					l.ReportMemory(loadCtx, 30*time.Second)

					httpApp := NewHttpApp(appCtx, l)
					logger.Info("listening", zap.String("addr", cfg.HttpAddr), zap.String("file", cfg.File))
					err = httpApp.Listen(cfg.HttpAddr)

					stopLoading()
					l.Document.CancelSearch()
					return errors.Join(err, l.WaitLoaded())
				},
			},
			{
				Name:        "grep",
				Usage:       "grep PATTERN",
				Flags:       grepFlags,
				Description: "Indexes the file and prints the lines matching the pattern.",
				Action: func(ctx *cli.Context) error {
					pattern := ctx.Args().First()
					if pattern == "" {
						return fmt.Errorf("the pattern is empty")
					}
					var m search.Matcher = search.Substring(pattern)
					if !ctx.Bool("substring") {
						re, err := search.NewRegexpMatcher(pattern)
						if err != nil {
							return fmt.Errorf("bad pattern: %w", err)
						}
						m = re
					}

					l, err := open(ctx, true)
					if err != nil {
						return err
					}
					defer l.Close()

					s, err := l.Document.Search(appCtx, m)
					if err != nil {
						return err
					}
					defer s.Release()
					if err = s.Wait(); err != nil {
						return err
					}

					matches := s.Lines.EnumerateFromIndex(0)
					if excluded := ctx.StringSlice("exclude"); len(excluded) > 0 {
						keys := make([]inverted.Key, 0, len(excluded))
						for _, e := range excluded {
							keys = append(keys, inverted.NewKey(strings.Split(e, ",")...))
						}
						matches = s.Fields.Provider(keyIDs(s.Fields.Dictionary(), keys)...).All()
					}

					for n := range matches {
						text, err := l.Document.ReadLine(int(n))
						if err != nil {
							return err
						}
						if ctx.Bool("line-number") {
							fmt.Fprintf(out, "%d:", n+1)
						}
						fmt.Fprintln(out, text)
					}
					return nil
				},
			},
			{
				Name:        "stats",
				Flags:       flags,
				Description: "Indexes the file and prints its line and field statistics.",
				Action: func(ctx *cli.Context) error {
					startedAt := time.Now()
					l, err := open(ctx, true)
					if err != nil {
						return err
					}
					defer l.Close()
					took := time.Since(startedAt)

					doc := l.Document
					fmt.Fprintf(out, "file:      %s\n", doc.Path)
					fmt.Fprintf(out, "lines:     %d\n", doc.Count())
					fmt.Fprintf(out, "bytes:     %d\n", doc.Lines.Bytes())
					fmt.Fprintf(out, "keys:      %d\n", len(doc.Keys()))
					fmt.Fprintf(out, "snapshots: %d\n", len(doc.Fields.Snapshots()))
					fmt.Fprintf(out, "took:      %s\n", took.Round(time.Millisecond))
					if rss, err := common.ResidentMemory(); err == nil {
						fmt.Fprintf(out, "memory:    %d MB\n", rss/1024/1024)
					}

					if fields := doc.FieldNames(); len(fields) > 0 {
						fmt.Fprintf(out, "\n%s\tlines\n", strings.Join(fields, "\t"))
						for _, k := range doc.Keys() {
							fmt.Fprintf(out, "%s\t%d\n", strings.Join(k.Key.Values(), "\t"), k.Count)
						}
					}
					return nil
				},
			},
			{
				Name:        "gen",
				Flags:       serveFlags,
				Description: "Generates config to stdOut.",
				Action: func(ctx *cli.Context) error {
					cfg := overrideConfig(DefaultCfg, ctx)
					if cfg.File == "" {
						cfg.File = "<PUT YOUR LOG FILE>"
					}
					yamlData, err := yaml.Marshal(&cfg)
					if err != nil {
						return err
					}
					fmt.Fprint(out, string(yamlData))
					return nil
				},
			},
		},
	}
}
