package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"iceflow/config"
	"iceflow/iceberg"
	"iceflow/mapper"
	"iceflow/pipeline"
	"iceflow/retry"
	"iceflow/sink"
	"iceflow/source"
	"iceflow/storage"
	"iceflow/transform"
)

type (
	sourceFactory    func(b *builder, st config.Stage) (pipeline.Source, error)
	transformFactory func(b *builder, st config.Stage) (pipeline.Transform, error)
	sinkFactory      func(b *builder, st config.Stage) (pipeline.Sink, error)
)

var sources = map[string]sourceFactory{
	"file":         fileSource(""),
	"file_csv":     fileSource("csv"),
	"csv":          fileSource("csv"),
	"kafka":        kafkaSource,
	"postgres_cdc": postgresSource,
	"postgres":     postgresSource,
}

var transforms = map[string]transformFactory{
	"passthrough":      passthroughTransform,
	"clean_data":       cleanTransform,
	"json_flatten":     flattenTransform,
	"partition_key":    partitionTransform,
	"partition":        partitionTransform,
	"schema_evolution": evolutionTransform,
	"sql":              sqlTransform,
	"sql_transform":    sqlTransform,
}

var sinks = map[string]sinkFactory{
	"iceberg":       icebergSink,
	"stdout":        stdoutSink(false),
	"stdout_pretty": stdoutSink(true),
}

// Types lists the stage types understood in each section of a pipeline
// description, aliases included.
func Types() map[string][]string {
	return map[string][]string{
		"sources":    keys(sources),
		"transforms": keys(transforms),
		"sinks":      keys(sinks),
	}
}

func keys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// builder turns the stage entries of one pipeline into operators. It
// is discarded once the graph is built.
type builder struct {
	engine *Engine
	ctx    context.Context

	stages []pipeline.Operator
	edges  []pipeline.Edge

	shared storage.Storage
	sql    transform.SQLEngine
}

func (b *builder) build() error {
	cfg := b.engine.cfg
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if b.engine.opts.sql != nil {
		b.sql = b.engine.opts.sql
	}

	for _, st := range cfg.Sources {
		f, ok := sources[st.Type]
		if !ok {
			return unknownType("source", st)
		}
		op, err := f(b, st)
		if err != nil {
			return err
		}
		b.stages = append(b.stages, op)
	}
	for _, st := range cfg.Transforms {
		f, ok := transforms[st.Type]
		if !ok {
			return unknownType("transform", st)
		}
		op, err := f(b, st)
		if err != nil {
			return err
		}
		b.stages = append(b.stages, op)
	}
	for _, st := range cfg.Sinks {
		f, ok := sinks[st.Type]
		if !ok {
			return unknownType("sink", st)
		}
		op, err := f(b, st)
		if err != nil {
			return err
		}
		b.stages = append(b.stages, op)
	}
	for _, e := range cfg.Edges {
		b.edges = append(b.edges, pipeline.Edge{From: e.From, To: e.To})
	}
	return nil
}

func unknownType(kind string, st config.Stage) error {
	return fmt.Errorf("%w: %s %q has unknown type %q", config.ErrConfig, kind, st.ID, st.Type)
}

// invalid reports a stage whose settings were rejected by its
// constructor.
func invalid(err error) error {
	if errors.Is(err, config.ErrConfig) {
		return err
	}
	return fmt.Errorf("%w: %w", config.ErrConfig, err)
}

func (b *builder) defaults() config.Defaults {
	return b.engine.cfg.Defaults
}

func fileSource(format string) sourceFactory {
	return func(b *builder, st config.Stage) (pipeline.Source, error) {
		cfg := source.FileConfig{Format: format, BatchRows: b.defaults().BatchRows}
		if err := st.Decode(&cfg); err != nil {
			return nil, err
		}
		src, err := source.NewFile(st.ID, cfg, b.engine.opts.logger)
		if err != nil {
			return nil, invalid(err)
		}
		return src, nil
	}
}

// topicMapping binds a kafka source straight to a table, without a
// declared sink.
type topicMapping struct {
	IcebergTable string `yaml:"iceberg_table"`
	tableConfig  `yaml:",inline"`
}

func kafkaSource(b *builder, st config.Stage) (pipeline.Source, error) {
	var cfg struct {
		source.KafkaConfig `yaml:",inline"`
		TopicMapping       *topicMapping        `yaml:"topic_mapping"`
		Schema             *mapper.SchemaConfig `yaml:"schema"`
	}
	cfg.BatchRows = b.defaults().BatchRows
	cfg.IORetries = b.defaults().IORetries
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	src, err := source.NewKafka(st.ID, cfg.KafkaConfig, b.engine.opts.logger)
	if err != nil {
		return nil, invalid(err)
	}
	b.engine.onClose(src)

	if tm := cfg.TopicMapping; tm != nil {
		if tm.IcebergTable == "" {
			return nil, fmt.Errorf("%w: kafka source %q: topic_mapping needs iceberg_table", config.ErrConfig, st.ID)
		}
		if tm.Schema == nil {
			tm.Schema = cfg.Schema
		}
		m, err := b.mapper(st, tm.IcebergTable, tm.tableConfig)
		if err != nil {
			return nil, err
		}
		id := st.ID + "_iceberg"
		b.stages = append(b.stages, sink.NewIceberg(id, m, b.engine.opts.logger))
		b.edges = append(b.edges, pipeline.Edge{From: st.ID, To: id})
	} else if cfg.Schema != nil {
		b.engine.opts.logger.Warn("schema is only used together with topic_mapping", "stage", st.ID)
	}
	return src, nil
}

func postgresSource(b *builder, st config.Stage) (pipeline.Source, error) {
	cfg := source.PostgresConfig{IORetries: b.defaults().IORetries}
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	src, err := source.NewPostgres(st.ID, cfg, b.engine.opts.logger)
	if err != nil {
		return nil, invalid(err)
	}
	return src, nil
}

func passthroughTransform(_ *builder, st config.Stage) (pipeline.Transform, error) {
	if err := st.Decode(&struct{}{}); err != nil {
		return nil, err
	}
	return pipeline.Passthrough(st.ID), nil
}

func cleanTransform(_ *builder, st config.Stage) (pipeline.Transform, error) {
	var cfg transform.CleanConfig
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	t, err := transform.NewClean(st.ID, cfg)
	if err != nil {
		return nil, invalid(err)
	}
	return t, nil
}

func flattenTransform(_ *builder, st config.Stage) (pipeline.Transform, error) {
	var cfg transform.FlattenConfig
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("%w: json_flatten %q: max_depth must not be negative", config.ErrConfig, st.ID)
	}
	return transform.NewFlatten(st.ID, cfg), nil
}

func partitionTransform(_ *builder, st config.Stage) (pipeline.Transform, error) {
	var cfg transform.PartitionKeyConfig
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.PartitionBy) == 0 && cfg.PartitionFormat == "" {
		return nil, fmt.Errorf("%w: partition %q: partition_by is required", config.ErrConfig, st.ID)
	}
	return transform.NewPartitionKey(st.ID, cfg, nil), nil
}

func evolutionTransform(b *builder, st config.Stage) (pipeline.Transform, error) {
	var cfg transform.EvolutionConfig
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	return transform.NewEvolution(st.ID, cfg, b.engine.opts.logger, b.engine.opts.metrics), nil
}

func sqlTransform(b *builder, st config.Stage) (pipeline.Transform, error) {
	var cfg transform.SQLConfig
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	engine, err := b.sqlEngine()
	if err != nil {
		return nil, err
	}
	t, err := transform.NewSQL(st.ID, cfg, engine)
	if err != nil {
		return nil, invalid(err)
	}
	return t, nil
}

// sqlEngine opens the DuckDB database on first use. All SQL stages of a
// pipeline share it.
func (b *builder) sqlEngine() (transform.SQLEngine, error) {
	if b.sql != nil {
		return b.sql, nil
	}
	db, err := transform.OpenDuckDB()
	if err != nil {
		return nil, err
	}
	b.engine.onClose(db)
	b.sql = db
	return db, nil
}

// tableConfig holds the settings of one table target. The flat bucket
// keys describe an S3 store, storage any store; without either the
// pipeline's storage block is used.
type tableConfig struct {
	Storage   *storage.Config `yaml:"storage"`
	Bucket    string          `yaml:"bucket"`
	Endpoint  string          `yaml:"endpoint"`
	AccessKey string          `yaml:"access_key"`
	SecretKey string          `yaml:"secret_key"`
	Region    string          `yaml:"region"`

	// CommitRetries overrides defaults.commit_retries; negative retries
	// forever.
	CommitRetries *int              `yaml:"commit_retries"`
	Properties    map[string]string `yaml:"properties"`

	mapper.Config `yaml:",inline"`
}

type icebergSinkConfig struct {
	TableName   string `yaml:"table_name"`
	tableConfig `yaml:",inline"`
}

func icebergSink(b *builder, st config.Stage) (pipeline.Sink, error) {
	var cfg icebergSinkConfig
	if err := st.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("%w: iceberg sink %q: table_name is required", config.ErrConfig, st.ID)
	}
	m, err := b.mapper(st, cfg.TableName, cfg.tableConfig)
	if err != nil {
		return nil, err
	}
	return sink.NewIceberg(st.ID, m, b.engine.opts.logger), nil
}

func (b *builder) mapper(st config.Stage, location string, tc tableConfig) (*mapper.Mapper, error) {
	store, err := b.store(tc)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", st.ID, err)
	}

	d := b.defaults()
	retries := d.CommitRetries
	if tc.CommitRetries != nil {
		retries = *tc.CommitRetries
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = d.IORetries

	opts := b.engine.opts
	table := iceberg.NewTable(store, location,
		iceberg.WithLogger(opts.logger),
		iceberg.WithMetrics(opts.metrics),
		iceberg.WithCommitRetries(retries),
		iceberg.WithRetryPolicy(policy),
		iceberg.WithProperties(tc.Properties),
	)

	mc := tc.Config
	if mc.FlushRecords <= 0 {
		mc.FlushRecords = d.FlushRecords
	}
	mopts := []mapper.Option{
		mapper.WithLogger(opts.logger),
		mapper.WithMetrics(opts.metrics),
	}
	if mc.SQLTransform != "" {
		engine, err := b.sqlEngine()
		if err != nil {
			return nil, err
		}
		mopts = append(mopts, mapper.WithSQLEngine(engine))
	}
	m, err := mapper.New(table, mc, mopts...)
	if err != nil {
		return nil, invalid(err)
	}
	return m, nil
}

// store picks the object store of a table target.
func (b *builder) store(tc tableConfig) (storage.Storage, error) {
	if b.engine.opts.store != nil {
		return b.engine.opts.store, nil
	}
	timeout := b.defaults().IOTimeout
	switch {
	case tc.Storage != nil:
		sc := *tc.Storage
		if sc.Timeout == 0 {
			sc.Timeout = timeout
		}
		return storage.Open(b.ctx, sc)
	case tc.Bucket != "":
		return storage.Open(b.ctx, storage.Config{
			Type:      "s3",
			Bucket:    tc.Bucket,
			Endpoint:  tc.Endpoint,
			Region:    tc.Region,
			AccessKey: tc.AccessKey,
			SecretKey: tc.SecretKey,
			Timeout:   timeout,
		})
	}

	if b.shared == nil {
		sc := b.engine.cfg.Storage
		if sc == (storage.Config{Timeout: sc.Timeout}) {
			return nil, fmt.Errorf("%w: no storage configured for the table", config.ErrConfig)
		}
		s, err := storage.Open(b.ctx, sc)
		if err != nil {
			return nil, err
		}
		b.shared = s
	}
	return b.shared, nil
}

func stdoutSink(pretty bool) sinkFactory {
	return func(b *builder, st config.Stage) (pipeline.Sink, error) {
		cfg := sink.StdoutConfig{Pretty: pretty}
		if err := st.Decode(&cfg); err != nil {
			return nil, err
		}
		return sink.NewStdout(st.ID, cfg, b.engine.opts.output), nil
	}
}
