package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const example = `
name: orders
sources:
  - type: kafka
    id: kafka-source
    brokers: "localhost:9092"
    topic: input-topic
transforms:
  - type: passthrough
    id: passthrough
sinks:
  - type: iceberg
    id: iceberg-sink
    table_name: output_table
edges:
  - ["kafka-source", "passthrough"]
  - from: passthrough
    to: iceberg-sink
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(example))
	require.NoError(t, err)

	assert.Equal(t, "orders", p.Name)
	assert.Equal(t, DefaultChannelCapacity, p.ChannelCapacity)
	assert.Equal(t, Defaults{
		BatchRows:     DefaultBatchRows,
		FlushRecords:  DefaultFlushRecords,
		CommitRetries: DefaultCommitRetries,
		IOTimeout:     DefaultIOTimeout,
		IORetries:     DefaultIORetries,
	}, p.Defaults)
	assert.Equal(t, []Edge{{"kafka-source", "passthrough"}, {"passthrough", "iceberg-sink"}}, p.Edges)

	require.Len(t, p.Sources, 1)
	src := p.Sources[0]
	assert.Equal(t, "kafka-source", src.ID)
	assert.Equal(t, "kafka", src.Type)

	var kafka struct {
		Brokers string `yaml:"brokers"`
		Topic   string `yaml:"topic"`
	}
	require.NoError(t, src.Decode(&kafka))
	assert.Equal(t, "localhost:9092", kafka.Brokers)
	assert.Equal(t, "input-topic", kafka.Topic)

	var partial struct {
		Topic string `yaml:"topic"`
	}
	err = src.Decode(&partial)
	require.ErrorIs(t, err, ErrConfig, "unknown stage keys are rejected")
}

func TestParseOverrides(t *testing.T) {
	p, err := Parse([]byte(`
channel_capacity: 8
defaults:
  flush_records: 10
  commit_retries: -1
  io_timeout: 5s
storage:
  type: file
  path: /tmp/warehouse
sources:
  - {id: s, type: file, path: "*.json"}
sinks:
  - {id: out, type: stdout}
edges: [[s, out]]
`))
	require.NoError(t, err)
	assert.Equal(t, 8, p.ChannelCapacity)
	assert.Equal(t, 10, p.Defaults.FlushRecords)
	assert.Equal(t, -1, p.Defaults.CommitRetries)
	assert.Equal(t, 5*time.Second, p.Defaults.IOTimeout)
	assert.Equal(t, 5*time.Second, p.Storage.Timeout)
	assert.Equal(t, "/tmp/warehouse", p.Storage.Path)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "sources: [{id: a, type: file}]\nbogus: 1\n",
		"missing id":      "sources: [{type: file}]\n",
		"missing type":    "sources: [{id: a}]\n",
		"duplicate id":    "sources: [{id: a, type: file}]\nsinks: [{id: a, type: stdout}]\n",
		"no sources":      "sinks: [{id: a, type: stdout}]\n",
		"undeclared edge": "sources: [{id: a, type: file}]\nedges: [[a, b]]\n",
		"short edge":      "sources: [{id: a, type: file}]\nedges: [[a]]\n",
		"stage not a map": "sources: [a]\n",
		"malformed yaml":  "sources: [\n",
		"edge bad shape":  "sources: [{id: a, type: file}]\nedges: [a]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("ICEFLOW_TEST_TOPIC", "payments")
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - {id: k, type: kafka, topic: "${ICEFLOW_TEST_TOPIC}"}
sinks:
  - {id: out, type: stdout}
edges: [[k, out]]
`), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	var kafka struct {
		Topic string `yaml:"topic"`
	}
	require.NoError(t, p.Sources[0].Decode(&kafka))
	assert.Equal(t, "payments", kafka.Topic)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrConfig)
}

func TestNewStage(t *testing.T) {
	s, err := NewStage("k_iceberg", "iceberg", map[string]any{"table_name": "t", "flush_records": 5})
	require.NoError(t, err)
	var cfg struct {
		TableName    string `yaml:"table_name"`
		FlushRecords int    `yaml:"flush_records"`
	}
	require.NoError(t, s.Decode(&cfg))
	assert.Equal(t, "t", cfg.TableName)
	assert.Equal(t, 5, cfg.FlushRecords)
}
