// Package mapper binds one stream of records to one table. It evolves
// the table schema from what it observes, buffers records and turns
// every full buffer into a snapshot commit.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"iceflow/iceberg"
	"iceflow/metrics"
	"iceflow/pipeline"
	"iceflow/schema"
	"iceflow/transform"
)

const DefaultFlushRecords = 10000

type FieldConfig struct {
	Name     string `yaml:"name"`
	DataType string `yaml:"data_type"`
	// Nullable is accepted for compatibility. Declared fields are always
	// added as optional, since an existing table cannot gain a required
	// column.
	Nullable bool `yaml:"nullable"`
}

type SchemaConfig struct {
	Fields []FieldConfig `yaml:"fields"`
	// AutoInfer is accepted for compatibility; whether observed fields
	// extend the table is governed by AutoSchemaEvolution.
	AutoInfer bool `yaml:"auto_infer"`
}

type Config struct {
	FlushRecords int  `yaml:"flush_records"`
	Strict       bool `yaml:"strict"`
	// AutoSchemaEvolution adds unseen fields to the table. When it is
	// off, fields the table does not have are dropped and conflicting
	// values are degraded even in strict mode. Defaults to true.
	AutoSchemaEvolution *bool         `yaml:"auto_schema_evolution"`
	Schema              *SchemaConfig `yaml:"schema"`
	SQLTransform        string        `yaml:"sql_transform"`
	PartitionBy         []string      `yaml:"partition_by"`
}

func (c Config) autoEvolve() bool {
	return c.AutoSchemaEvolution == nil || *c.AutoSchemaEvolution
}

// declared returns the configured fields as a schema without ids.
func (c Config) declared() (*schema.Schema, error) {
	s := schema.New(0)
	if c.Schema == nil {
		return s, nil
	}
	for _, f := range c.Schema.Fields {
		t, err := schema.ParseType(f.DataType)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		s.Fields = append(s.Fields, schema.Field{Name: f.Name, Type: t})
	}
	return s, nil
}

type Option func(*Mapper)

func WithLogger(l *slog.Logger) Option {
	return func(m *Mapper) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mapper) { m.metrics = mt }
}

// WithSQLEngine runs the configured sql_transform on every batch before
// it is buffered.
func WithSQLEngine(e transform.SQLEngine) Option {
	return func(m *Mapper) { m.engine = e }
}

type pendingAck struct {
	end  int
	acks []func()
}

// Mapper is owned by a single goroutine; none of its methods may be
// called concurrently.
type Mapper struct {
	table    *iceberg.Table
	cfg      Config
	declared *schema.Schema
	engine   transform.SQLEngine
	logger   *slog.Logger
	metrics  *metrics.Metrics

	version  *iceberg.Version
	pending  *schema.Schema
	ids      *schema.IDAllocator
	evolved  bool
	buffer   []pipeline.Record
	acks     []pendingAck
	degraded int
	commits  int
}

func New(table *iceberg.Table, cfg Config, opts ...Option) (*Mapper, error) {
	if cfg.FlushRecords <= 0 {
		cfg.FlushRecords = DefaultFlushRecords
	}
	declared, err := cfg.declared()
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", table.Location(), err)
	}
	m := &Mapper{table: table, cfg: cfg, declared: declared}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.SQLTransform != "" && m.engine == nil {
		return nil, fmt.Errorf("table %s: sql_transform needs a sql engine", table.Location())
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("table", table.Location())
	return m, nil
}

// Buffered returns the number of records waiting for a commit.
func (m *Mapper) Buffered() int {
	return len(m.buffer)
}

// Commits returns how many snapshots this mapper committed.
func (m *Mapper) Commits() int {
	return m.commits
}

// Version returns the table version of the last load or commit.
func (m *Mapper) Version() *iceberg.Version {
	return m.version
}

func (m *Mapper) load(ctx context.Context) error {
	if m.version != nil {
		return nil
	}
	v, err := m.table.Load(ctx)
	if err != nil {
		return err
	}
	pending, evolved, err := v.ReconcileSchema(m.declared)
	if err != nil {
		return fmt.Errorf("declared schema does not fit table %s: %w", m.table.Location(), err)
	}
	m.version = v
	m.pending = pending
	m.ids = schema.NewIDAllocator(max(v.LastColumnID(), pending.HighestFieldID()))
	m.evolved = evolved || !v.Exists()
	return nil
}

// Append runs the optional SQL transform over b, folds the records into
// the pending schema and buffers them. Every time the buffer holds
// FlushRecords records, they are committed as one snapshot. b's
// acknowledgements run once all of its records are committed.
//
// In strict mode a conflicting value fails the whole batch and nothing
// of it is buffered.
func (m *Mapper) Append(ctx context.Context, b pipeline.Batch) error {
	if err := m.load(ctx); err != nil {
		return err
	}

	records := b.Records
	if m.cfg.SQLTransform != "" && len(records) > 0 {
		var err error
		records, err = m.engine.Query(ctx, records, m.cfg.SQLTransform)
		if err != nil {
			return fmt.Errorf("sql transform: %w", err)
		}
	}

	pending, ids, evolved := m.pending, schema.NewIDAllocator(m.ids.Last()), false
	accepted := make([]pipeline.Record, 0, len(records))
	degraded := 0
	for _, r := range records {
		rec, next, changed, bad, err := m.observe(r, pending, ids)
		if err != nil {
			return fmt.Errorf("table %s: %w", m.table.Location(), err)
		}
		pending, evolved = next, evolved || changed
		if bad {
			degraded++
		}
		accepted = append(accepted, rec)
	}

	if evolved {
		m.logger.Info("schema evolved", "fields", len(pending.Fields))
	}
	if degraded > 0 {
		m.logger.Warn("degraded records with conflicting values", "records", degraded)
		m.metrics.Degraded(m.table.Location(), degraded)
	}
	m.pending, m.ids, m.evolved = pending, ids, m.evolved || evolved
	m.degraded += degraded
	m.buffer = append(m.buffer, accepted...)
	if acks := b.Acks(); len(acks) > 0 {
		m.acks = append(m.acks, pendingAck{end: len(m.buffer), acks: acks})
	}

	for len(m.buffer) >= m.cfg.FlushRecords {
		if err := m.commit(ctx, m.cfg.FlushRecords); err != nil {
			return err
		}
	}
	return nil
}

// observe folds r into s and returns the record to buffer.
func (m *Mapper) observe(r pipeline.Record, s *schema.Schema, ids *schema.IDAllocator) (pipeline.Record, *schema.Schema, bool, bool, error) {
	evolve := m.cfg.autoEvolve() || len(s.Fields) == 0
	if evolve {
		next, changed, err := schema.Merge(s, schema.Infer(r), ids)
		if err == nil {
			return r, next, changed, false, nil
		}
		if m.cfg.Strict {
			return nil, s, false, false, err
		}
		s = next
		rec, _ := schema.Repair(r, s)
		return rec, s, changed, true, nil
	}

	rec, err := schema.Repair(known(r, s), s)
	return rec, s, false, err != nil, nil
}

func known(r pipeline.Record, s *schema.Schema) pipeline.Record {
	out := make(pipeline.Record, len(r))
	for k, v := range r {
		if _, ok := s.Field(k); ok {
			out[k] = v
		}
	}
	return out
}

// Flush commits whatever is buffered and runs the acknowledgements of
// batches that had no records left to commit.
func (m *Mapper) Flush(ctx context.Context) error {
	if len(m.buffer) > 0 {
		return m.commit(ctx, len(m.buffer))
	}
	m.release(0)
	return nil
}

// commit writes the first n buffered records and publishes them as a
// snapshot.
func (m *Mapper) commit(ctx context.Context, n int) error {
	if err := m.load(ctx); err != nil {
		return err
	}
	if len(m.pending.Fields) == 0 {
		m.logger.Warn("dropping records without any fields", "records", n)
		m.buffer = m.buffer[n:]
		m.release(n)
		return nil
	}

	rows := make([]map[string]any, 0, n)
	degraded := 0
	for _, rec := range m.buffer[:n] {
		row, err := schema.Conform(rec, m.pending)
		if err != nil {
			if m.cfg.Strict || errors.Is(err, schema.ErrMissingRequired) {
				return fmt.Errorf("table %s: %w", m.table.Location(), err)
			}
			degraded++
		}
		rows = append(rows, row)
	}
	if degraded > 0 {
		m.metrics.Degraded(m.table.Location(), degraded)
		m.degraded += degraded
	}

	spec, err := iceberg.ParsePartitionSpec(m.cfg.PartitionBy, m.pending)
	if err != nil {
		return fmt.Errorf("table %s: %w", m.table.Location(), err)
	}
	files, err := m.table.WriteDataFiles(ctx, m.pending, spec, rows)
	if err != nil {
		return err
	}

	var evolved *schema.Schema
	if m.evolved {
		evolved = m.pending
	}
	res, err := m.table.Commit(ctx, m.version, files, evolved,
		iceberg.WithPartitionSpec(spec),
		iceberg.WithSummary(map[string]string{"degraded-records": strconv.Itoa(m.degraded)}),
	)
	if err != nil {
		return err
	}

	m.commits++
	m.version = res.Version
	m.pending = res.Version.Schema()
	m.ids = schema.NewIDAllocator(max(m.ids.Last(), res.Version.LastColumnID()))
	m.evolved = false
	m.degraded = 0
	m.buffer = m.buffer[n:]
	m.release(n)
	return nil
}

// release runs the acknowledgements of every batch whose records are
// within the first n committed ones.
func (m *Mapper) release(n int) {
	i := 0
	for ; i < len(m.acks) && m.acks[i].end <= n; i++ {
		for _, fn := range m.acks[i].acks {
			fn()
		}
	}
	m.acks = m.acks[i:]
	for j := range m.acks {
		m.acks[j].end -= n
	}
}
