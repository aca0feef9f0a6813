// Package transform holds the built-in transform stages. Every stage
// builds new records and leaves the batches it received untouched, since
// a fanned out batch is shared between branches.
package transform

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"iceflow/pipeline"
)

type CleanConfig struct {
	RemoveNulls   bool   `yaml:"remove_nulls"`
	TrimStrings   bool   `yaml:"trim_strings"`
	NormalizeCase string `yaml:"normalize_case"`
}

type cleaner struct {
	cfg   CleanConfig
	caser *cases.Caser
}

// NewClean returns a transform that trims and case-folds string values
// and drops null fields, at every nesting level. NormalizeCase is one of
// lower, upper or title.
func NewClean(name string, cfg CleanConfig) (pipeline.Transform, error) {
	c := &cleaner{cfg: cfg}
	var caser cases.Caser
	switch strings.ToLower(cfg.NormalizeCase) {
	case "":
	case "lower":
		caser = cases.Lower(language.Und)
		c.caser = &caser
	case "upper":
		caser = cases.Upper(language.Und)
		c.caser = &caser
	case "title":
		caser = cases.Title(language.Und)
		c.caser = &caser
	default:
		return nil, fmt.Errorf("clean_data %q: unknown normalize_case %q", name, cfg.NormalizeCase)
	}

	return pipeline.MapTransform(name, func(_ context.Context, b pipeline.Batch) (pipeline.Batch, error) {
		out := make([]pipeline.Record, len(b.Records))
		for i, r := range b.Records {
			out[i] = c.record(r)
		}
		return b.WithRecords(out), nil
	}), nil
}

func (c *cleaner) record(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if v == nil && c.cfg.RemoveNulls {
			continue
		}
		out[k] = c.value(v)
	}
	return out
}

func (c *cleaner) value(v any) any {
	switch v := v.(type) {
	case string:
		if c.cfg.TrimStrings {
			v = strings.TrimSpace(v)
		}
		if c.caser != nil {
			v = c.caser.String(v)
		}
		return v
	case map[string]any:
		return c.record(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = c.value(e)
		}
		return out
	}
	return v
}
