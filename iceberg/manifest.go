package iceberg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"iceflow/storage"
)

type EntryStatus int

// Values follow the Iceberg manifest entry status field.
const (
	StatusExisting EntryStatus = 0
	StatusAdded    EntryStatus = 1
	StatusDeleted  EntryStatus = 2
)

const FileFormatParquet = "PARQUET"

type ManifestEntry struct {
	Status         EntryStatus `json:"status"`
	SnapshotID     int64       `json:"snapshot-id"`
	SequenceNumber int64       `json:"sequence-number"`
	DataFile       DataFile    `json:"data-file"`
}

// DataFile is immutable once written. AddedSnapshotID is filled in by
// the commit that first references it.
type DataFile struct {
	FilePath        string         `json:"file-path"`
	FileFormat      string         `json:"file-format"`
	SpecID          int            `json:"spec-id"`
	Partition       map[string]any `json:"partition"`
	RecordCount     int64          `json:"record-count"`
	FileSizeBytes   int64          `json:"file-size-in-bytes"`
	ValueCounts     map[int]int64  `json:"value-counts,omitempty"`
	NullValueCounts map[int]int64  `json:"null-value-counts,omitempty"`
	AddedSnapshotID int64          `json:"added-snapshot-id,omitempty"`
}

type Manifest struct {
	SnapshotID     int64           `json:"snapshot-id"`
	SequenceNumber int64           `json:"sequence-number"`
	SpecID         int             `json:"partition-spec-id"`
	SchemaID       int             `json:"schema-id"`
	Entries        []ManifestEntry `json:"entries"`
}

// ManifestFile is one manifest as referenced from a manifest list.
type ManifestFile struct {
	ManifestPath       string                  `json:"manifest-path"`
	ManifestLength     int64                   `json:"manifest-length"`
	PartitionSpecID    int                     `json:"partition-spec-id"`
	SequenceNumber     int64                   `json:"sequence-number"`
	MinSequenceNumber  int64                   `json:"min-sequence-number"`
	AddedSnapshotID    int64                   `json:"added-snapshot-id"`
	AddedFilesCount    int                     `json:"added-files-count"`
	ExistingFilesCount int                     `json:"existing-files-count"`
	DeletedFilesCount  int                     `json:"deleted-files-count"`
	AddedRowsCount     int64                   `json:"added-rows-count"`
	ExistingRowsCount  int64                   `json:"existing-rows-count"`
	DeletedRowsCount   int64                   `json:"deleted-rows-count"`
	Partitions         []PartitionFieldSummary `json:"partitions,omitempty"`
}

// PartitionFieldSummary bounds one partition field across a manifest,
// for pruning.
type PartitionFieldSummary struct {
	ContainsNull bool `json:"contains-null"`
	LowerBound   any  `json:"lower-bound,omitempty"`
	UpperBound   any  `json:"upper-bound,omitempty"`
}

type ManifestList struct {
	SnapshotID       int64          `json:"snapshot-id"`
	ParentSnapshotID *int64         `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64          `json:"sequence-number"`
	Manifests        []ManifestFile `json:"manifests"`
}

// NewManifest lists files as added by snapshotID.
func NewManifest(snapshotID, seq int64, specID, schemaID int, files []DataFile) *Manifest {
	m := &Manifest{
		SnapshotID:     snapshotID,
		SequenceNumber: seq,
		SpecID:         specID,
		SchemaID:       schemaID,
		Entries:        make([]ManifestEntry, 0, len(files)),
	}
	for _, f := range files {
		f.SpecID = specID
		f.AddedSnapshotID = snapshotID
		m.Entries = append(m.Entries, ManifestEntry{
			Status:         StatusAdded,
			SnapshotID:     snapshotID,
			SequenceNumber: seq,
			DataFile:       f,
		})
	}
	return m
}

// Summarize builds the manifest list entry for m once it is stored at
// path with the given length.
func (m *Manifest) Summarize(path string, length int64, spec PartitionSpec) ManifestFile {
	mf := ManifestFile{
		ManifestPath:      path,
		ManifestLength:    length,
		PartitionSpecID:   m.SpecID,
		SequenceNumber:    m.SequenceNumber,
		MinSequenceNumber: m.SequenceNumber,
		AddedSnapshotID:   m.SnapshotID,
	}
	for _, e := range m.Entries {
		switch e.Status {
		case StatusAdded:
			mf.AddedFilesCount++
			mf.AddedRowsCount += e.DataFile.RecordCount
		case StatusExisting:
			mf.ExistingFilesCount++
			mf.ExistingRowsCount += e.DataFile.RecordCount
		case StatusDeleted:
			mf.DeletedFilesCount++
			mf.DeletedRowsCount += e.DataFile.RecordCount
		}
	}

	for _, pf := range spec.Fields {
		var sum PartitionFieldSummary
		for _, e := range m.Entries {
			v := e.DataFile.Partition[pf.Name]
			if v == nil {
				sum.ContainsNull = true
				continue
			}
			if sum.LowerBound == nil || comparePartitionValues(v, sum.LowerBound) < 0 {
				sum.LowerBound = v
			}
			if sum.UpperBound == nil || comparePartitionValues(v, sum.UpperBound) > 0 {
				sum.UpperBound = v
			}
		}
		mf.Partitions = append(mf.Partitions, sum)
	}
	return mf
}

func manifestPath(location string) string {
	return fmt.Sprintf("%s/metadata/%s-m0.json", location, uuid.NewString())
}

func manifestListPath(location string, snapshotID int64, attempt int) string {
	return fmt.Sprintf("%s/metadata/snap-%d-%d-%s.json", location, snapshotID, attempt, uuid.NewString())
}

// writeDocument stores v as JSON under a uniquely generated path, so a
// plain write is safe to repeat after a transient failure.
func writeDocument(ctx context.Context, s storage.Storage, path string, v any) (int64, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := storage.WriteBytes(ctx, s, path, data, false); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func readDocument(ctx context.Context, s storage.Storage, path string, v any) error {
	data, err := storage.ReadAll(ctx, s, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
