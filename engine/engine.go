// Package engine turns a pipeline description into running stages.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.uber.org/multierr"

	"iceflow/config"
	"iceflow/metrics"
	"iceflow/pipeline"
	"iceflow/storage"
	"iceflow/transform"
)

type options struct {
	logger          *slog.Logger
	metrics         *metrics.Metrics
	channelCapacity int
	store           storage.Storage
	sql             transform.SQLEngine
	output          io.Writer
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithChannelCapacity overrides the capacity from the description.
func WithChannelCapacity(n int) Option {
	return func(o *options) { o.channelCapacity = n }
}

// WithStorage makes every iceberg sink use s instead of the store its
// configuration names.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.store = s }
}

// WithSQLEngine replaces the DuckDB engine used by sql transforms and
// sql_transform table mappings.
func WithSQLEngine(e transform.SQLEngine) Option {
	return func(o *options) { o.sql = e }
}

// WithOutput redirects stdout sinks.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// Engine holds the stages built from one pipeline description.
type Engine struct {
	cfg     *config.Pipeline
	opts    options
	graph   *pipeline.Graph
	closers []io.Closer
}

// New builds every stage of cfg and validates the graph they form.
// Problems with the description are reported as config.ErrConfig.
func New(ctx context.Context, cfg *config.Pipeline, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(&e.opts)
	}
	if e.opts.logger == nil {
		e.opts.logger = slog.Default()
	}
	if e.opts.channelCapacity <= 0 {
		e.opts.channelCapacity = cfg.ChannelCapacity
	}

	b := &builder{engine: e, ctx: ctx}
	if err := b.build(); err != nil {
		return nil, multierr.Append(err, e.Close())
	}

	graph, err := pipeline.NewGraph(b.stages, b.edges)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: %w", config.ErrConfig, err), e.Close())
	}
	e.graph = graph
	return e, nil
}

func (e *Engine) Graph() *pipeline.Graph {
	return e.graph
}

// Start launches the stages. Close must be called once the graph is done.
func (e *Engine) Start(ctx context.Context) *pipeline.RunningGraph {
	e.opts.logger.Info("starting pipeline",
		"name", e.cfg.Name,
		"stages", len(e.graph.Stages()),
		"edges", len(e.graph.Edges()),
		"channel_capacity", e.opts.channelCapacity,
	)
	return e.graph.Start(ctx,
		pipeline.WithChannelCapacity(e.opts.channelCapacity),
		pipeline.WithLogger(e.opts.logger),
		pipeline.WithMetrics(e.opts.metrics),
	)
}

// Run starts the pipeline, waits for it and releases its resources. It
// returns nil when every stage finished through Eos.
func (e *Engine) Run(ctx context.Context) error {
	rg := e.Start(ctx)
	err := rg.Wait()
	if cerr := e.Close(); cerr != nil {
		e.opts.logger.Warn("releasing pipeline resources", "error", cerr)
	}
	if err != nil {
		return err
	}
	e.opts.logger.Info("pipeline finished", "name", e.cfg.Name)
	return nil
}

// Close releases clients and engines opened for the stages, in reverse
// order of creation.
func (e *Engine) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i].Close())
	}
	e.closers = nil
	return err
}

func (e *Engine) onClose(c io.Closer) {
	e.closers = append(e.closers, c)
}
