// Package iceberg stores tables in an Iceberg-shaped layout on an object
// store: parquet data files, JSON manifests and manifest lists, and one
// metadata document per version. The current version is whichever
// numbered pointer under metadata/_versions is highest; pointers are
// only ever created with a conditional write, which is what makes a
// commit atomic.
package iceberg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"iceflow/metrics"
	"iceflow/retry"
	"iceflow/schema"
	"iceflow/storage"
)

// Version is one published state of a table. Number 0 is the table
// before its first commit; Metadata is nil then.
type Version struct {
	Number   int64
	Path     string
	Metadata *TableMetadata
}

func (v *Version) Exists() bool {
	return v != nil && v.Metadata != nil
}

// Schema returns the current schema, or an empty one for a new table.
func (v *Version) Schema() *schema.Schema {
	if v.Exists() {
		if s := v.Metadata.CurrentSchema(); s != nil {
			return s
		}
	}
	return schema.New(0)
}

func (v *Version) LastColumnID() int {
	if !v.Exists() {
		return 0
	}
	return v.Metadata.LastColumnID
}

// IDs allocates field ids above every id this version ever used.
func (v *Version) IDs() *schema.IDAllocator {
	return schema.NewIDAllocator(v.LastColumnID())
}

// ReconcileSchema merges observed fields into the current schema. When
// evolved is true the result must travel with the next commit; a schema
// change is never committed on its own.
func (v *Version) ReconcileSchema(observed *schema.Schema) (*schema.Schema, bool, error) {
	return schema.Merge(v.Schema(), observed, v.IDs())
}

// CurrentSnapshot returns nil for a table without snapshots.
func (v *Version) CurrentSnapshot() *Snapshot {
	if !v.Exists() {
		return nil
	}
	return v.Metadata.CurrentSnapshot()
}

type Table struct {
	store         storage.Storage
	location      string
	properties    map[string]string
	commitRetries int
	retry         retry.Policy
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	writer        *DataFileWriter
}

type Option func(*Table)

func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

// WithCommitRetries bounds how often a lost pointer race is retried. A
// negative value retries without limit.
func WithCommitRetries(n int) Option {
	return func(t *Table) { t.commitRetries = n }
}

// WithRetryPolicy sets the policy for transient storage failures and the
// pause between commit attempts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(t *Table) { t.retry = p }
}

// WithProperties sets properties recorded when the table is created.
func WithProperties(p map[string]string) Option {
	return func(t *Table) { t.properties = p }
}

func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

func NewTable(store storage.Storage, location string, opts ...Option) *Table {
	t := &Table{
		store:         store,
		location:      strings.Trim(location, "/"),
		commitRetries: 4,
		retry:         retry.DefaultPolicy(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("table", t.location)
	t.writer = NewDataFileWriter(store, t.location, t.retry)
	return t
}

func (t *Table) Location() string {
	return t.location
}

func (t *Table) versionsPrefix() string {
	return t.location + "/metadata/_versions/"
}

func (t *Table) pointerPath(n int64) string {
	return fmt.Sprintf("%s%020d", t.versionsPrefix(), n)
}

// Load reads the latest published version. A table that was never
// committed loads as Version{Number: 0}.
func (t *Table) Load(ctx context.Context) (*Version, error) {
	var v *Version
	err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
		var err error
		v, err = t.load(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading table %s: %w", t.location, err)
	}
	return v, nil
}

func (t *Table) load(ctx context.Context) (*Version, error) {
	pointers, err := t.store.List(ctx, t.versionsPrefix())
	if err != nil {
		return nil, err
	}

	var latest int64
	for _, p := range pointers {
		n, err := strconv.ParseInt(path.Base(p), 10, 64)
		if err != nil {
			continue
		}
		latest = max(latest, n)
	}
	if latest == 0 {
		return &Version{}, nil
	}

	target, err := storage.ReadAll(ctx, t.store, t.pointerPath(latest))
	if err != nil {
		return nil, fmt.Errorf("reading version pointer %d: %w", latest, err)
	}

	docPath := strings.TrimSpace(string(target))
	var md TableMetadata
	if err := readDocument(ctx, t.store, docPath, &md); err != nil {
		return nil, err
	}
	return &Version{Number: latest, Path: docPath, Metadata: &md}, nil
}

// WriteDataFiles stores rows as data files laid out by spec. The files
// become part of the table only through Commit.
func (t *Table) WriteDataFiles(ctx context.Context, s *schema.Schema, spec PartitionSpec, rows []map[string]any) ([]DataFile, error) {
	files, err := t.writer.Write(ctx, s, spec, rows)
	if err != nil {
		return nil, fmt.Errorf("writing data files: %w", err)
	}
	var size int64
	for _, f := range files {
		size += f.FileSizeBytes
	}
	t.metrics.FilesWritten(t.location, len(files), size)
	return files, nil
}

// ManifestList reads the manifest list of a snapshot.
func (t *Table) ManifestList(ctx context.Context, snap *Snapshot) (*ManifestList, error) {
	var list ManifestList
	if err := readDocument(ctx, t.store, snap.ManifestList, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Files returns the live data files of the version's current snapshot,
// derived only from that snapshot's manifest list.
func (t *Table) Files(ctx context.Context, v *Version) ([]DataFile, error) {
	snap := v.CurrentSnapshot()
	if snap == nil {
		return nil, nil
	}
	list, err := t.ManifestList(ctx, snap)
	if err != nil {
		return nil, err
	}

	var files []DataFile
	for _, mf := range list.Manifests {
		var m Manifest
		if err := readDocument(ctx, t.store, mf.ManifestPath, &m); err != nil {
			return nil, err
		}
		for _, e := range m.Entries {
			if e.Status != StatusDeleted {
				files = append(files, e.DataFile)
			}
		}
	}
	return files, nil
}

// History walks parent links from the current snapshot back to the
// first one, newest first.
func (v *Version) History() ([]Snapshot, error) {
	var out []Snapshot
	snap := v.CurrentSnapshot()
	for snap != nil {
		out = append(out, *snap)
		if snap.ParentSnapshotID == nil {
			break
		}
		parent := v.Metadata.Snapshot(*snap.ParentSnapshotID)
		if parent == nil {
			return out, errors.New("snapshot history references a missing parent")
		}
		snap = parent
	}
	return out, nil
}
