package transform

import (
	"context"
	"strconv"
	"strings"
	"time"

	"iceflow/pipeline"
	"iceflow/schema"
)

type PartitionKeyConfig struct {
	PartitionBy     []string `yaml:"partition_by"`
	PartitionFormat string   `yaml:"partition_format"`
}

// NewPartitionKey returns a transform that adds two fields to every
// record: partition_key, built from the PartitionBy values, and
// partition_date, the processing date. Without a PartitionFormat the
// values are joined by "/"; otherwise {0}, {1}, ... in the format are
// replaced by the values in order. A missing or null value reads as
// "unknown". now may be nil.
func NewPartitionKey(name string, cfg PartitionKeyConfig, now func() time.Time) pipeline.Transform {
	if now == nil {
		now = time.Now
	}
	return pipeline.MapTransform(name, func(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) {
		date := now().UTC().Format(time.DateOnly)
		out := make([]pipeline.Record, len(b.Records))
		for i, r := range b.Records {
			rec := make(map[string]any, len(r)+2)
			for k, v := range r {
				rec[k] = v
			}
			rec["partition_key"] = partitionKey(r, cfg)
			rec["partition_date"] = date
			out[i] = rec
		}
		return b.WithRecords(out), nil
	})
}

func partitionKey(r map[string]any, cfg PartitionKeyConfig) string {
	values := make([]string, len(cfg.PartitionBy))
	for i, field := range cfg.PartitionBy {
		v := r[field]
		if v == nil {
			values[i] = "unknown"
			continue
		}
		values[i] = schema.Stringify(v)
	}
	if cfg.PartitionFormat == "" {
		return strings.Join(values, "/")
	}
	key := cfg.PartitionFormat
	for i, v := range values {
		key = strings.ReplaceAll(key, "{"+strconv.Itoa(i)+"}", v)
	}
	return key
}
