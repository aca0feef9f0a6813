// Package config loads the YAML pipeline description.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"iceflow/storage"
)

// ErrConfig marks a malformed pipeline description. It is only ever
// returned at startup.
var ErrConfig = errors.New("config error")

const (
	DefaultChannelCapacity = 128
	DefaultBatchRows       = 1000
	DefaultFlushRecords    = 10000
	DefaultCommitRetries   = 4
	DefaultIOTimeout       = 30 * time.Second
	DefaultIORetries       = 5
)

type Pipeline struct {
	Name            string   `yaml:"name"`
	ChannelCapacity int      `yaml:"channel_capacity"`
	Defaults        Defaults `yaml:"defaults"`

	// Storage is the object store used by iceberg sinks that do not
	// configure their own.
	Storage storage.Config `yaml:"storage"`

	Sources    []Stage `yaml:"sources"`
	Transforms []Stage `yaml:"transforms"`
	Sinks      []Stage `yaml:"sinks"`
	Edges      []Edge  `yaml:"edges"`
}

// Defaults apply to every stage that does not override them. Zero values
// are replaced by the package defaults; a negative CommitRetries retries
// forever.
type Defaults struct {
	BatchRows     int           `yaml:"batch_rows"`
	FlushRecords  int           `yaml:"flush_records"`
	CommitRetries int           `yaml:"commit_retries"`
	IOTimeout     time.Duration `yaml:"io_timeout"`
	IORetries     int           `yaml:"io_retries"`
}

// Stage is one entry of sources, transforms or sinks. Only id and type
// are interpreted here; the remaining keys belong to the stage type and
// are decoded by its factory through Decode.
type Stage struct {
	ID   string
	Type string
	node yaml.Node
}

func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: stage must be a mapping", value.Line)
	}
	var head struct {
		ID   string `yaml:"id"`
		Type string `yaml:"type"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	s.ID, s.Type, s.node = head.ID, head.Type, *value
	return nil
}

// Decode decodes the type specific keys of the stage into v. Keys that v
// does not declare are an error.
func (s Stage) Decode(v any) error {
	body := yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(s.node.Content); i += 2 {
		switch s.node.Content[i].Value {
		case "id", "type":
			continue
		}
		body.Content = append(body.Content, s.node.Content[i], s.node.Content[i+1])
	}

	data, err := yaml.Marshal(&body)
	if err != nil {
		return fmt.Errorf("%w: stage %q: %w", ErrConfig, s.ID, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: stage %q (%s): %w", ErrConfig, s.ID, s.Type, err)
	}
	return nil
}

// NewStage builds a stage entry programmatically; fields is encoded the
// same way a YAML mapping would be.
func NewStage(id, typ string, fields any) (Stage, error) {
	s := Stage{ID: id, Type: typ}
	if err := s.node.Encode(fields); err != nil {
		return s, fmt.Errorf("%w: stage %q: %w", ErrConfig, id, err)
	}
	if s.node.Kind != yaml.MappingNode {
		s.node = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	return s, nil
}

// Edge connects the output of From to the input of To. It is written
// either as a pair ["a", "b"] or as a mapping {from: a, to: b}.
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

func (e *Edge) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var pair []string
		if err := value.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("line %d: edge needs exactly two stage ids, got %d", value.Line, len(pair))
		}
		e.From, e.To = pair[0], pair[1]
		return nil
	case yaml.MappingNode:
		type plain Edge
		return value.Decode((*plain)(e))
	}
	return fmt.Errorf("line %d: edge must be a pair or a mapping", value.Line)
}

func (e Edge) MarshalYAML() (any, error) {
	return []string{e.From, e.To}, nil
}

// Load reads the pipeline description at path. Environment variables in
// the document are expanded before it is parsed.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes, defaults and validates a pipeline description.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyDefaults fills every unset setting. It is safe to call more than once.
func (p *Pipeline) ApplyDefaults() {
	if p.ChannelCapacity <= 0 {
		p.ChannelCapacity = DefaultChannelCapacity
	}
	d := &p.Defaults
	if d.BatchRows <= 0 {
		d.BatchRows = DefaultBatchRows
	}
	if d.FlushRecords <= 0 {
		d.FlushRecords = DefaultFlushRecords
	}
	if d.CommitRetries == 0 {
		d.CommitRetries = DefaultCommitRetries
	}
	if d.IOTimeout <= 0 {
		d.IOTimeout = DefaultIOTimeout
	}
	if d.IORetries <= 0 {
		d.IORetries = DefaultIORetries
	}
	if p.Storage.Timeout == 0 {
		p.Storage.Timeout = d.IOTimeout
	}
}

// Validate checks what can be checked without building stages: ids and
// types are present and ids are unique. Edges may only name declared
// stages; the graph shape itself is checked when it is built.
func (p *Pipeline) Validate() error {
	ids := make(map[string]bool)
	check := func(kind string, stages []Stage) error {
		for i, s := range stages {
			if s.ID == "" {
				return fmt.Errorf("%w: %s[%d] has no id", ErrConfig, kind, i)
			}
			if s.Type == "" {
				return fmt.Errorf("%w: %s %q has no type", ErrConfig, kind, s.ID)
			}
			if ids[s.ID] {
				return fmt.Errorf("%w: duplicate stage id %q", ErrConfig, s.ID)
			}
			ids[s.ID] = true
		}
		return nil
	}
	if err := check("sources", p.Sources); err != nil {
		return err
	}
	if err := check("transforms", p.Transforms); err != nil {
		return err
	}
	if err := check("sinks", p.Sinks); err != nil {
		return err
	}
	if len(p.Sources) == 0 {
		return fmt.Errorf("%w: pipeline has no sources", ErrConfig)
	}
	for _, e := range p.Edges {
		if !ids[e.From] || !ids[e.To] {
			return fmt.Errorf("%w: edge [%s, %s] names an undeclared stage", ErrConfig, e.From, e.To)
		}
	}
	return nil
}
