package iceberg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"iceflow/retry"
	"iceflow/schema"
	"iceflow/storage"
)

// DataFileWriter turns conformed rows into parquet data files under
// <location>/data, one file per distinct partition tuple.
type DataFileWriter struct {
	store    storage.Storage
	location string
	retry    retry.Policy
}

func NewDataFileWriter(store storage.Storage, location string, policy retry.Policy) *DataFileWriter {
	return &DataFileWriter{store: store, location: location, retry: policy}
}

type partitionGroup struct {
	path   string
	values map[string]any
	rows   []map[string]any
}

// Write stores rows and returns the new data files. Nothing references
// them until a commit lists them in a manifest.
func (w *DataFileWriter) Write(ctx context.Context, s *schema.Schema, spec PartitionSpec, rows []map[string]any) ([]DataFile, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	pschema, err := createParquetSchema(s)
	if err != nil {
		return nil, fmt.Errorf("creating parquet schema: %w", err)
	}

	var groups []*partitionGroup
	byPath := make(map[string]*partitionGroup)
	for _, row := range rows {
		values, path, err := spec.Partition(row, s)
		if err != nil {
			return nil, err
		}
		g, ok := byPath[path]
		if !ok {
			g = &partitionGroup{path: path, values: values}
			byPath[path] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}

	files := make([]DataFile, 0, len(groups))
	for _, g := range groups {
		f, err := w.writeFile(ctx, s, pschema, g)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func (w *DataFileWriter) writeFile(ctx context.Context, s *schema.Schema, pschema *parquet.Schema, g *partitionGroup) (DataFile, error) {
	dir := w.location + "/data"
	if g.path != "" {
		dir += "/" + g.path
	}
	buf := storage.NewBuffer(fmt.Sprintf("%s/%s.parquet", dir, uuid.NewString()))

	pw := parquet.NewGenericWriter[map[string]any](buf, pschema)
	if _, err := pw.Write(g.rows); err != nil {
		return DataFile{}, fmt.Errorf("writing records: %w", err)
	}
	if err := pw.Close(); err != nil {
		return DataFile{}, fmt.Errorf("closing parquet writer: %w", err)
	}

	err := retry.Do(ctx, w.retry, func(ctx context.Context) error {
		return buf.Upload(ctx, w.store)
	})
	if err != nil {
		return DataFile{}, err
	}

	values, nulls := collectMetrics(s, g.rows)
	return DataFile{
		FilePath:        buf.Path(),
		FileFormat:      FileFormatParquet,
		Partition:       g.values,
		RecordCount:     int64(len(g.rows)),
		FileSizeBytes:   buf.Size(),
		ValueCounts:     values,
		NullValueCounts: nulls,
	}, nil
}

func collectMetrics(s *schema.Schema, rows []map[string]any) (map[int]int64, map[int]int64) {
	values := make(map[int]int64, len(s.Fields))
	nulls := make(map[int]int64, len(s.Fields))
	for _, f := range s.Fields {
		for _, row := range rows {
			values[f.ID]++
			if row[f.Name] == nil {
				nulls[f.ID]++
			}
		}
	}
	return values, nulls
}

func createParquetSchema(s *schema.Schema) (*parquet.Schema, error) {
	root, err := parquetGroup(s.Fields)
	if err != nil {
		return nil, err
	}
	return parquet.NewSchema("table", root), nil
}

func parquetGroup(fields []schema.Field) (parquet.Group, error) {
	group := make(parquet.Group, len(fields))
	for _, field := range fields {
		node, err := parquetNode(field.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		if !field.Required {
			node = parquet.Optional(node)
		}
		group[field.Name] = parquet.FieldID(node, field.ID)
	}
	return group, nil
}

func parquetNode(t schema.Type) (parquet.Node, error) {
	switch t := t.(type) {
	case schema.PrimitiveType:
		switch t {
		case schema.Boolean:
			return parquet.Leaf(parquet.BooleanType), nil
		case schema.Int:
			return parquet.Leaf(parquet.Int32Type), nil
		case schema.Long:
			return parquet.Leaf(parquet.Int64Type), nil
		case schema.Float:
			return parquet.Leaf(parquet.FloatType), nil
		case schema.Double:
			return parquet.Leaf(parquet.DoubleType), nil
		case schema.String:
			return parquet.String(), nil
		case schema.Date:
			return parquet.Date(), nil
		case schema.Timestamp:
			return parquet.Timestamp(parquet.Microsecond), nil
		case schema.Binary:
			return parquet.Leaf(parquet.ByteArrayType), nil
		}
	case *schema.StructType:
		group, err := parquetGroup(t.Fields)
		if err != nil {
			return nil, err
		}
		return group, nil
	case *schema.ListType:
		elem, err := parquetNode(t.Element)
		if err != nil {
			return nil, err
		}
		if !t.ElementRequired {
			elem = parquet.Optional(elem)
		}
		return parquet.List(parquet.FieldID(elem, t.ElementID)), nil
	}
	return nil, fmt.Errorf("unsupported type: %s", t)
}
