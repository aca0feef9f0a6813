// Package pipeline runs a dataflow graph of sources, transforms and sinks
// connected by bounded channels, one channel per edge.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// Record is one decoded event. Values are whatever the decoder produced,
// typically json.Number, string, bool, nil, []any and map[string]any.
type Record = map[string]any

// Message is what travels over a Channel: a Batch, a Watermark or Eos.
type Message interface {
	isMessage()
}

// Batch carries records plus the acknowledgements that release them at
// the origin (e.g. a broker offset commit). A batch must not be modified
// after it was sent; use WithRecords to derive a new one.
type Batch struct {
	Records []Record
	acks    []func()
}

// Watermark promises that no record older than Time follows on the edge.
type Watermark struct {
	Time time.Time
}

// Eos is the last message on an edge.
type Eos struct{}

func (Batch) isMessage()     {}
func (Watermark) isMessage() {}
func (Eos) isMessage()       {}

func NewBatch(records []Record, acks ...func()) Batch {
	return Batch{Records: records, acks: acks}
}

func (b Batch) Len() int {
	return len(b.Records)
}

// WithRecords returns a batch holding records and b's acknowledgements.
func (b Batch) WithRecords(records []Record) Batch {
	return Batch{Records: records, acks: b.acks}
}

// Acks returns the acknowledgement callbacks of the batch.
func (b Batch) Acks() []func() {
	return b.acks
}

// Ack runs the acknowledgements. Sinks call it once the records are
// durable.
func (b Batch) Ack() {
	for _, fn := range b.acks {
		fn()
	}
}

// split prepares b for delivery to n consumers: the original
// acknowledgements run once all n copies have been acked.
func (b Batch) split(n int) Batch {
	if n <= 1 || len(b.acks) == 0 {
		return b
	}
	var (
		remaining atomic.Int32
		once      sync.Once
	)
	remaining.Store(int32(n))
	acks := b.acks
	shared := func() {
		if remaining.Add(-1) == 0 {
			once.Do(func() {
				for _, fn := range acks {
					fn()
				}
			})
		}
	}
	return Batch{Records: b.Records, acks: []func(){shared}}
}
