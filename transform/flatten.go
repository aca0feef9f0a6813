package transform

import (
	"context"

	"iceflow/pipeline"
)

type FlattenConfig struct {
	Separator string `yaml:"separator"`
	MaxDepth  int    `yaml:"max_depth"`
}

// NewFlatten returns a transform that lifts nested objects into top
// level keys joined by Separator ("." by default). Objects nested deeper
// than MaxDepth are kept whole; zero means no limit. Arrays are values
// and are not descended into.
func NewFlatten(name string, cfg FlattenConfig) pipeline.Transform {
	if cfg.Separator == "" {
		cfg.Separator = "."
	}
	return pipeline.MapTransform(name, func(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) {
		out := make([]pipeline.Record, len(b.Records))
		for i, r := range b.Records {
			flat := make(map[string]any, len(r))
			flatten(flat, r, "", 1, cfg)
			out[i] = flat
		}
		return b.WithRecords(out), nil
	})
}

func flatten(dst, src map[string]any, prefix string, depth int, cfg FlattenConfig) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + cfg.Separator + k
		}
		nested, ok := v.(map[string]any)
		if !ok || len(nested) == 0 || (cfg.MaxDepth > 0 && depth >= cfg.MaxDepth) {
			dst[key] = v
			continue
		}
		flatten(dst, nested, key, depth+1, cfg)
	}
}
