package transform

import (
	"context"
	"fmt"

	"iceflow/pipeline"
)

// InputRelation is the name under which a SQL query sees its input.
const InputRelation = "input_data"

// SQLEngine runs a query against records exposed as the relation
// input_data and returns the result rows.
type SQLEngine interface {
	Query(ctx context.Context, records []pipeline.Record, query string) ([]pipeline.Record, error)
}

type SQLConfig struct {
	Query      string `yaml:"query"`
	WindowSize int    `yaml:"window_size"`
}

type sqlTransform struct {
	name   string
	cfg    SQLConfig
	engine SQLEngine

	records []pipeline.Record
	acks    []func()
	batches int
}

// NewSQL returns a transform that collects WindowSize batches (one by
// default) and replaces them with the result of the query over their
// records. A watermark or Eos flushes a partial window first.
func NewSQL(name string, cfg SQLConfig, engine SQLEngine) (pipeline.Transform, error) {
	if cfg.Query == "" {
		return nil, fmt.Errorf("sql transform %q: query is required", name)
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1
	}
	return &sqlTransform{name: name, cfg: cfg, engine: engine}, nil
}

func (t *sqlTransform) Name() string {
	return t.name
}

func (t *sqlTransform) Run(ctx context.Context, in pipeline.Receiver, out pipeline.Emitter) error {
	err := pipeline.Each(ctx, in, func(msg pipeline.Message) error {
		switch msg := msg.(type) {
		case pipeline.Batch:
			t.records = append(t.records, msg.Records...)
			t.acks = append(t.acks, msg.Acks()...)
			t.batches++
			if t.batches >= t.cfg.WindowSize {
				return t.flush(ctx, out)
			}
			return nil
		case pipeline.Watermark:
			if err := t.flush(ctx, out); err != nil {
				return err
			}
		}
		return out.Emit(ctx, msg)
	})
	if err != nil {
		return err
	}
	return t.flush(ctx, out)
}

func (t *sqlTransform) flush(ctx context.Context, out pipeline.Emitter) error {
	if t.batches == 0 {
		return nil
	}
	var result []pipeline.Record
	if len(t.records) > 0 {
		var err error
		result, err = t.engine.Query(ctx, t.records, t.cfg.Query)
		if err != nil {
			return fmt.Errorf("sql transform %q: %w", t.name, err)
		}
	}
	batch := pipeline.NewBatch(result, t.acks...)
	t.records, t.acks, t.batches = nil, nil, 0
	return out.Emit(ctx, batch)
}
