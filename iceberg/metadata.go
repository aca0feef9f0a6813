package iceberg

import (
	"maps"
	"slices"

	"iceflow/schema"
)

const FormatVersion = 2

// TableMetadata is the root document of a table. A new one is written
// for every commit; an existing one is never modified.
type TableMetadata struct {
	FormatVersion      int                `json:"format-version"`
	TableUUID          string             `json:"table-uuid"`
	Location           string             `json:"location"`
	LastSequenceNumber int64              `json:"last-sequence-number"`
	LastUpdatedMs      int64              `json:"last-updated-ms"`
	LastColumnID       int                `json:"last-column-id"`
	CurrentSchemaID    int                `json:"current-schema-id"`
	Schemas            []*schema.Schema   `json:"schemas"`
	PartitionSpec      []PartitionField   `json:"partition-spec"`
	DefaultSpecID      int                `json:"default-spec-id"`
	PartitionSpecs     []PartitionSpec    `json:"partition-specs"`
	LastPartitionID    int                `json:"last-partition-id"`
	Properties         map[string]string  `json:"properties"`
	CurrentSnapshotID  *int64             `json:"current-snapshot-id"`
	Snapshots          []Snapshot         `json:"snapshots"`
	SnapshotLog        []SnapshotLogEntry `json:"snapshot-log"`
	MetadataLog        []MetadataLogEntry `json:"metadata-log"`
}

type Snapshot struct {
	SnapshotID       int64             `json:"snapshot-id"`
	ParentSnapshotID *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64             `json:"sequence-number"`
	TimestampMs      int64             `json:"timestamp-ms"`
	ManifestList     string            `json:"manifest-list"`
	Summary          map[string]string `json:"summary"`
	SchemaID         int               `json:"schema-id"`
}

type SnapshotLogEntry struct {
	SnapshotID  int64 `json:"snapshot-id"`
	TimestampMs int64 `json:"timestamp-ms"`
}

type MetadataLogEntry struct {
	MetadataFile string `json:"metadata-file"`
	TimestampMs  int64  `json:"timestamp-ms"`
}

func (m *TableMetadata) CurrentSchema() *schema.Schema {
	for _, s := range m.Schemas {
		if s.ID == m.CurrentSchemaID {
			return s
		}
	}
	return nil
}

func (m *TableMetadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == nil {
		return nil
	}
	return m.Snapshot(*m.CurrentSnapshotID)
}

func (m *TableMetadata) Snapshot(id int64) *Snapshot {
	for i := range m.Snapshots {
		if m.Snapshots[i].SnapshotID == id {
			return &m.Snapshots[i]
		}
	}
	return nil
}

func (m *TableMetadata) Spec(id int) (PartitionSpec, bool) {
	for _, s := range m.PartitionSpecs {
		if s.SpecID == id {
			return s, true
		}
	}
	return PartitionSpec{}, false
}

func (m *TableMetadata) DefaultSpec() PartitionSpec {
	spec, _ := m.Spec(m.DefaultSpecID)
	return spec
}

// clone copies every collection a commit appends to. Schemas, specs and
// snapshot summaries are shared: they are never modified once built.
func (m *TableMetadata) clone() *TableMetadata {
	c := *m
	c.Schemas = slices.Clone(m.Schemas)
	c.PartitionSpecs = slices.Clone(m.PartitionSpecs)
	c.PartitionSpec = slices.Clone(m.PartitionSpec)
	c.Snapshots = slices.Clone(m.Snapshots)
	c.SnapshotLog = slices.Clone(m.SnapshotLog)
	c.MetadataLog = slices.Clone(m.MetadataLog)
	c.Properties = maps.Clone(m.Properties)
	if m.CurrentSnapshotID != nil {
		id := *m.CurrentSnapshotID
		c.CurrentSnapshotID = &id
	}
	return &c
}
