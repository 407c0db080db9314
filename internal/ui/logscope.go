package ui

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"logscope/internal/common"
	"logscope/internal/document"
	"logscope/internal/metrics"
)

// Logscope binds an opened document to the services around it.
type Logscope struct {
	Cfg      Config
	Document *document.Document
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	loaded chan error
}

func NewLogscope(cfg Config, logger *zap.Logger) (*Logscope, error) {
	m := metrics.New()
	doc, err := document.Open(cfg.File, cfg.DocumentOptions(), logger, m)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", cfg.File, err)
	}
	return &Logscope{
		Cfg:      cfg,
		Document: doc,
		Metrics:  m,
		Logger:   logger,
		loaded:   make(chan error, 1),
	}, nil
}

// StartLoading indexes the document in the background,
// a followed file keeps loading until ctx is done.
func (l *Logscope) StartLoading(ctx context.Context) {
	go func() { l.loaded <- l.Document.Load(ctx) }()
}

// WaitLoaded blocks until the background load returns.
func (l *Logscope) WaitLoaded() error { return <-l.loaded }

// Load indexes the document and blocks.
func (l *Logscope) Load(ctx context.Context) error {
	l.StartLoading(ctx)
	return l.WaitLoaded()
}

// ReportMemory logs the process memory until ctx is done.
func (l *Logscope) ReportMemory(ctx context.Context, interval time.Duration) {
	common.RepeatEvery(
		ctx, interval, func() {
			rss, err := common.ResidentMemory()
			if err != nil {
				l.Logger.Debug("memory stats unavailable", zap.Error(err))
				return
			}
			l.Logger.Info(
				"memory",
				zap.Int("rss_mb", rss/1024/1024),
				zap.Int("lines", l.Document.Count()),
				zap.Float64("loaded", l.Document.Progress.Value()),
			)
		},
	)
}

func (l *Logscope) Close() error { return l.Document.Close() }
