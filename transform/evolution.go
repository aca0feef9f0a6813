package transform

import (
	"context"
	"fmt"
	"log/slog"

	"iceflow/metrics"
	"iceflow/pipeline"
	"iceflow/schema"
)

type EvolutionConfig struct {
	AutoInfer  bool `yaml:"auto_infer"`
	StrictMode bool `yaml:"strict_mode"`
}

// Evolution tracks the schema of the records flowing through it. With
// AutoInfer the schema grows with every new field; without it the first
// record fixes the schema and later fields are dropped. A conflicting
// value fails the batch in strict mode and is degraded otherwise.
type Evolution struct {
	name    string
	cfg     EvolutionConfig
	current *schema.Schema
	ids     *schema.IDAllocator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewEvolution(name string, cfg EvolutionConfig, logger *slog.Logger, m *metrics.Metrics) *Evolution {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evolution{
		name:    name,
		cfg:     cfg,
		current: schema.New(0),
		ids:     schema.NewIDAllocator(0),
		logger:  logger.With("stage", name),
		metrics: m,
	}
}

func (e *Evolution) Name() string {
	return e.name
}

// Schema returns the schema seen so far.
func (e *Evolution) Schema() *schema.Schema {
	return e.current
}

func (e *Evolution) Run(ctx context.Context, in pipeline.Receiver, out pipeline.Emitter) error {
	return pipeline.Each(ctx, in, func(msg pipeline.Message) error {
		if b, ok := msg.(pipeline.Batch); ok {
			evolved, err := e.apply(b)
			if err != nil {
				return err
			}
			msg = evolved
		}
		return out.Emit(ctx, msg)
	})
}

func (e *Evolution) apply(b pipeline.Batch) (pipeline.Batch, error) {
	out := make([]pipeline.Record, 0, len(b.Records))
	degraded := 0
	for _, r := range b.Records {
		rec, bad, err := e.observe(r)
		if err != nil {
			return b, err
		}
		if bad {
			degraded++
		}
		out = append(out, rec)
	}
	if degraded > 0 {
		e.metrics.Degraded(e.name, degraded)
		e.logger.Warn("degraded records with conflicting values", "records", degraded)
	}
	return b.WithRecords(out), nil
}

func (e *Evolution) observe(r pipeline.Record) (pipeline.Record, bool, error) {
	observed := schema.Infer(r)
	frozen := !e.cfg.AutoInfer && len(e.current.Fields) > 0

	if !frozen {
		next, changed, err := schema.Merge(e.current, observed, e.ids)
		if changed {
			e.logger.Debug("schema evolved", "fields", len(next.Fields))
			e.current = next
		}
		if err == nil {
			return r, false, nil
		}
		if e.cfg.StrictMode {
			return nil, false, fmt.Errorf("stage %s: %w", e.name, err)
		}
	}

	rec, err := schema.Repair(r, e.current)
	if frozen {
		rec = e.known(rec)
	}
	if err != nil && e.cfg.StrictMode {
		return nil, false, fmt.Errorf("stage %s: %w", e.name, err)
	}
	return rec, err != nil, nil
}

// known drops the fields the frozen schema does not have.
func (e *Evolution) known(r pipeline.Record) pipeline.Record {
	out := make(pipeline.Record, len(r))
	for k, v := range r {
		if _, ok := e.current.Field(k); ok {
			out[k] = v
		}
	}
	return out
}
