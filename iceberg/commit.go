package iceberg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"iceflow/retry"
	"iceflow/schema"
	"iceflow/storage"
)

// ErrCommitConflict means the commit could not be published: the retry
// budget ran out, or a concurrent change made the prepared data files
// incompatible with the table.
var ErrCommitConflict = errors.New("commit conflict")

type CommitResult struct {
	Version  *Version
	Snapshot Snapshot
	// Attempts is 1 when the first try won the pointer race.
	Attempts int
}

type commitConfig struct {
	spec    *PartitionSpec
	summary map[string]string
}

type CommitOption func(*commitConfig)

// WithPartitionSpec declares the layout the data files were written
// with. A layout the table has not seen before becomes its new default
// spec; files written earlier keep theirs.
func WithPartitionSpec(spec PartitionSpec) CommitOption {
	return func(c *commitConfig) { c.spec = &spec }
}

// WithSummary adds entries to the snapshot summary.
func WithSummary(kv map[string]string) CommitOption {
	return func(c *commitConfig) { c.summary = kv }
}

// Commit publishes files as a new snapshot on top of base, together with
// the evolved schema when it is not nil. The manifest, manifest list and
// metadata document are written under fresh paths first; the commit
// takes effect only when the pointer for version base.Number+1 is
// created. When another writer created it first, the table is reloaded
// and everything but the data files is rebuilt and tried again.
func (t *Table) Commit(ctx context.Context, base *Version, files []DataFile, evolved *schema.Schema, opts ...CommitOption) (*CommitResult, error) {
	var cfg commitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if base == nil {
		base = &Version{}
	}

	started := time.Now()
	res, err := t.commit(ctx, base, files, evolved, cfg)
	t.metrics.CommitDone(t.location, started, err)
	return res, err
}

func (t *Table) commit(ctx context.Context, base *Version, files []DataFile, evolved *schema.Schema, cfg commitConfig) (*CommitResult, error) {
	for attempt := 1; ; attempt++ {
		next, snap, err := t.prepare(ctx, base, files, evolved, cfg, attempt)
		if err != nil {
			return nil, err
		}

		err = t.advance(ctx, next)
		if err == nil {
			t.metrics.CommitAttempt(t.location, false)
			t.writeVersionHint(ctx, next.Number)
			t.logger.Info("committed snapshot",
				"snapshot_id", snap.SnapshotID,
				"version", next.Number,
				"files", len(files),
				"records", snap.Summary["added-records"],
				"attempts", attempt,
			)
			return &CommitResult{Version: next, Snapshot: snap, Attempts: attempt}, nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, fmt.Errorf("advancing version pointer: %w", err)
		}

		t.metrics.CommitAttempt(t.location, true)
		if t.commitRetries >= 0 && attempt > t.commitRetries {
			return nil, fmt.Errorf("%w: version %d taken by another writer, gave up after %d attempts",
				ErrCommitConflict, next.Number, attempt)
		}
		t.logger.Warn("lost commit race, retrying", "version", next.Number, "attempt", attempt)

		if err := retry.Sleep(ctx, t.retry.Backoff(attempt)); err != nil {
			return nil, err
		}
		if base, err = t.Load(ctx); err != nil {
			return nil, err
		}
	}
}

// prepare writes everything a commit on top of base references and
// returns the version that the pointer advance would publish.
func (t *Table) prepare(ctx context.Context, base *Version, files []DataFile, evolved *schema.Schema, cfg commitConfig, attempt int) (*Version, Snapshot, error) {
	now := t.now()

	var md *TableMetadata
	if base.Exists() {
		md = base.Metadata.clone()
	} else {
		if evolved == nil {
			return nil, Snapshot{}, errors.New("the first commit of a table needs a schema")
		}
		md = t.newMetadata()
	}

	if evolved != nil {
		next, changed, err := schema.Rebase(md.CurrentSchema(), evolved)
		if err != nil {
			return nil, Snapshot{}, fmt.Errorf("%w: %w", ErrCommitConflict, err)
		}
		if changed {
			next = &schema.Schema{ID: nextSchemaID(md), Fields: next.Fields}
			if err := next.Validate(); err != nil {
				return nil, Snapshot{}, fmt.Errorf("invalid schema: %w", err)
			}
			md.Schemas = append(md.Schemas, next)
			md.CurrentSchemaID = next.ID
			md.LastColumnID = max(md.LastColumnID, next.HighestFieldID())
		}
	}

	spec := md.DefaultSpec()
	if cfg.spec != nil || len(md.PartitionSpecs) == 0 {
		var proposed PartitionSpec
		if cfg.spec != nil {
			proposed = *cfg.spec
		}
		spec = resolveSpec(md, proposed)
	}

	parent := md.CurrentSnapshot()
	seq := md.LastSequenceNumber + 1
	snapshotID := newSnapshotID(md)

	manifest := NewManifest(snapshotID, seq, spec.SpecID, md.CurrentSchemaID, files)
	mPath := manifestPath(t.location)
	mLen, err := t.writeDocument(ctx, mPath, manifest)
	if err != nil {
		return nil, Snapshot{}, fmt.Errorf("writing manifest: %w", err)
	}

	list := ManifestList{
		SnapshotID:     snapshotID,
		SequenceNumber: seq,
		Manifests:      []ManifestFile{manifest.Summarize(mPath, mLen, spec)},
	}
	if parent != nil {
		parentID := parent.SnapshotID
		list.ParentSnapshotID = &parentID
		prev, err := t.ManifestList(ctx, parent)
		if err != nil {
			return nil, Snapshot{}, fmt.Errorf("reading parent manifest list: %w", err)
		}
		list.Manifests = append(list.Manifests, prev.Manifests...)
	}
	lPath := manifestListPath(t.location, snapshotID, attempt)
	if _, err := t.writeDocument(ctx, lPath, list); err != nil {
		return nil, Snapshot{}, fmt.Errorf("writing manifest list: %w", err)
	}

	snap := Snapshot{
		SnapshotID:       snapshotID,
		ParentSnapshotID: list.ParentSnapshotID,
		SequenceNumber:   seq,
		TimestampMs:      now.UnixMilli(),
		ManifestList:     lPath,
		Summary:          snapshotSummary(parent, files, cfg.summary),
		SchemaID:         md.CurrentSchemaID,
	}
	md.Snapshots = append(md.Snapshots, snap)
	md.CurrentSnapshotID = &snapshotID
	md.LastSequenceNumber = seq
	md.LastUpdatedMs = now.UnixMilli()
	md.SnapshotLog = append(md.SnapshotLog, SnapshotLogEntry{SnapshotID: snapshotID, TimestampMs: snap.TimestampMs})
	if base.Exists() {
		md.MetadataLog = append(md.MetadataLog, MetadataLogEntry{MetadataFile: base.Path, TimestampMs: base.Metadata.LastUpdatedMs})
	}

	number := base.Number + 1
	docPath := fmt.Sprintf("%s/metadata/%05d-%s.metadata.json", t.location, number, uuid.NewString())
	if _, err := t.writeDocument(ctx, docPath, md); err != nil {
		return nil, Snapshot{}, fmt.Errorf("writing metadata: %w", err)
	}
	return &Version{Number: number, Path: docPath, Metadata: md}, snap, nil
}

func (t *Table) newMetadata() *TableMetadata {
	props := map[string]string{"write.format.default": "parquet"}
	maps.Copy(props, t.properties)
	return &TableMetadata{
		FormatVersion:   FormatVersion,
		TableUUID:       uuid.NewString(),
		Location:        t.location,
		CurrentSchemaID: -1,
		LastPartitionID: firstPartitionFieldID - 1,
		Properties:      props,
	}
}

func (t *Table) writeDocument(ctx context.Context, path string, v any) (int64, error) {
	var n int64
	err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
		var err error
		n, err = writeDocument(ctx, t.store, path, v)
		return err
	})
	return n, err
}

// advance creates the pointer for next. If a transient failure hid the
// outcome of an earlier try, a taken pointer that already names our
// document counts as success.
func (t *Table) advance(ctx context.Context, next *Version) error {
	pointer := t.pointerPath(next.Number)
	uncertain := false
	err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
		err := storage.WriteBytes(ctx, t.store, pointer, []byte(next.Path), true)
		if retry.IsTransient(err) {
			uncertain = true
		}
		return err
	})
	if errors.Is(err, storage.ErrPreconditionFailed) && uncertain {
		data, rerr := storage.ReadAll(ctx, t.store, pointer)
		if rerr == nil && strings.TrimSpace(string(data)) == next.Path {
			return nil
		}
	}
	return err
}

// writeVersionHint refreshes the hint file some readers look for. The
// pointers stay authoritative, so failures are only logged.
func (t *Table) writeVersionHint(ctx context.Context, number int64) {
	hint := t.location + "/metadata/version-hint.text"
	if err := storage.WriteBytes(ctx, t.store, hint, []byte(strconv.FormatInt(number, 10)), false); err != nil {
		t.logger.Warn("writing version hint", "error", err)
	}
}

func resolveSpec(md *TableMetadata, proposed PartitionSpec) PartitionSpec {
	for _, s := range md.PartitionSpecs {
		if s.sameLayout(proposed) {
			return s
		}
	}

	spec := PartitionSpec{SpecID: 0, Fields: make([]PartitionField, len(proposed.Fields))}
	for _, s := range md.PartitionSpecs {
		spec.SpecID = max(spec.SpecID, s.SpecID+1)
	}
	for i, f := range proposed.Fields {
		md.LastPartitionID++
		f.FieldID = md.LastPartitionID
		spec.Fields[i] = f
	}
	md.PartitionSpecs = append(md.PartitionSpecs, spec)
	md.DefaultSpecID = spec.SpecID
	md.PartitionSpec = spec.Fields
	return spec
}

func nextSchemaID(md *TableMetadata) int {
	id := 0
	for _, s := range md.Schemas {
		id = max(id, s.ID+1)
	}
	return id
}

// newSnapshotID derives a positive id from a random uuid, checked
// against every snapshot the table already has.
func newSnapshotID(md *TableMetadata) int64 {
	for {
		u := uuid.New()
		id := int64(binary.BigEndian.Uint64(u[:8]) & math.MaxInt64)
		if id != 0 && md.Snapshot(id) == nil {
			return id
		}
	}
}

func snapshotSummary(parent *Snapshot, files []DataFile, extra map[string]string) map[string]string {
	var records, size int64
	for _, f := range files {
		records += f.RecordCount
		size += f.FileSizeBytes
	}

	total := func(key string, added int64) string {
		var prev int64
		if parent != nil {
			prev, _ = strconv.ParseInt(parent.Summary[key], 10, 64)
		}
		return strconv.FormatInt(prev+added, 10)
	}

	summary := map[string]string{
		"operation":        "append",
		"added-data-files": strconv.Itoa(len(files)),
		"added-records":    strconv.FormatInt(records, 10),
		"added-files-size": strconv.FormatInt(size, 10),
		"total-data-files": total("total-data-files", int64(len(files))),
		"total-records":    total("total-records", records),
		"total-files-size": total("total-files-size", size),
	}
	maps.Copy(summary, extra)
	return summary
}
