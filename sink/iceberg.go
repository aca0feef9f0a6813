// Package sink holds the stages that end a pipeline.
package sink

import (
	"context"
	"log/slog"

	"iceflow/mapper"
	"iceflow/pipeline"
)

// Iceberg hands every batch to a mapper. A watermark flushes what is
// buffered and Eos flushes the rest. On cancellation it returns without
// flushing, so the table stays at its last complete snapshot.
type Iceberg struct {
	name   string
	mapper *mapper.Mapper
	logger *slog.Logger
}

func NewIceberg(name string, m *mapper.Mapper, logger *slog.Logger) *Iceberg {
	if logger == nil {
		logger = slog.Default()
	}
	return &Iceberg{name: name, mapper: m, logger: logger.With("stage", name)}
}

func (s *Iceberg) Name() string {
	return s.name
}

func (s *Iceberg) Mapper() *mapper.Mapper {
	return s.mapper
}

func (s *Iceberg) Run(ctx context.Context, in pipeline.Receiver) error {
	err := pipeline.Each(ctx, in, func(msg pipeline.Message) error {
		switch msg := msg.(type) {
		case pipeline.Batch:
			return s.mapper.Append(ctx, msg)
		case pipeline.Watermark:
			return s.mapper.Flush(ctx)
		}
		return nil
	})
	if err != nil {
		if buffered := s.mapper.Buffered(); buffered > 0 {
			s.logger.Warn("stopping with uncommitted records", "records", buffered, "error", err)
		}
		return err
	}
	if err := s.mapper.Flush(ctx); err != nil {
		return err
	}
	s.logger.Info("sink finished", "commits", s.mapper.Commits())
	return nil
}
