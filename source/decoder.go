// Package source holds the stages that bring records into a pipeline:
// files, a Kafka topic and Postgres logical replication.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"iceflow/pipeline"
)

// Decoder turns one payload into records. A payload may hold any number
// of records, including none.
type Decoder func(payload []byte) ([]pipeline.Record, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]Decoder{
		"json": DecodeJSON,
		"raw":  DecodeRaw,
	}
)

// RegisterDecoder makes a decoder available under name for the encoding
// option of payload based sources. Registering a name twice replaces the
// earlier decoder.
func RegisterDecoder(name string, d Decoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[name] = d
}

// LookupDecoder returns the decoder registered under name; an empty name
// means json.
func LookupDecoder(name string) (Decoder, error) {
	if name == "" {
		name = "json"
	}
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	d, ok := decoders[name]
	if !ok {
		names := make([]string, 0, len(decoders))
		for n := range decoders {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown encoding %q (known: %v)", name, names)
	}
	return d, nil
}

var errNotObject = errors.New("payload is neither an object nor an array of objects")

// DecodeJSON accepts a JSON object or an array of objects. Numbers are
// kept as json.Number so that inference can tell 1 from 1.0. An empty
// payload decodes to no records.
func DecodeJSON(payload []byte) ([]pipeline.Record, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decoding json: trailing data after document")
	}

	switch v := v.(type) {
	case map[string]any:
		return []pipeline.Record{v}, nil
	case []any:
		out := make([]pipeline.Record, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, errNotObject
			}
			out = append(out, obj)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, errNotObject
}

// DecodeRaw wraps the payload text in a record with a single payload
// field.
func DecodeRaw(payload []byte) ([]pipeline.Record, error) {
	return []pipeline.Record{{"payload": string(payload)}}, nil
}
