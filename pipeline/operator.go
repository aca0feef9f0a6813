package pipeline

import (
	"context"
	"time"

	"iceflow/metrics"
)

// Emitter delivers a stage's output to every outbound edge.
type Emitter interface {
	Emit(ctx context.Context, msg Message) error
}

// Receiver yields a stage's input, merged across its inbound edges.
type Receiver interface {
	Receive(ctx context.Context) (Message, error)
}

// Operator is the part every stage shares.
type Operator interface {
	Name() string
}

// Source produces messages. The runner sends Eos on every output when
// Run returns nil, so sources only emit batches and watermarks.
type Source interface {
	Operator
	Run(ctx context.Context, out Emitter) error
}

// Transform consumes its input and emits derived messages. Run returns
// nil when it received Eos.
type Transform interface {
	Operator
	Run(ctx context.Context, in Receiver, out Emitter) error
}

// Sink consumes its input until Eos and flushes whatever it still holds
// before returning.
type Sink interface {
	Operator
	Run(ctx context.Context, in Receiver) error
}

// Role is the place a stage takes in the graph.
type Role int

const (
	RoleSource Role = iota
	RoleTransform
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleTransform:
		return "transform"
	case RoleSink:
		return "sink"
	}
	return "unknown"
}

func roleOf(op Operator) (Role, bool) {
	switch op.(type) {
	case Source:
		return RoleSource, true
	case Transform:
		return RoleTransform, true
	case Sink:
		return RoleSink, true
	}
	return 0, false
}

type fanOut struct {
	stage   string
	outs    []*Channel
	metrics *metrics.Metrics
}

// Emit sends msg on every output in edge order. A batch sent to several
// outputs is acknowledged at its origin only after every copy was acked.
func (f *fanOut) Emit(ctx context.Context, msg Message) error {
	if b, ok := msg.(Batch); ok {
		msg = b.split(len(f.outs))
		f.metrics.RecordsOut(f.stage, b.Len())
	}
	for _, out := range f.outs {
		if err := out.Send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanOut) eos(ctx context.Context) error {
	for _, out := range f.outs {
		if err := out.Send(ctx, Eos{}); err != nil {
			return err
		}
	}
	return nil
}

func (f *fanOut) abort() {
	for _, out := range f.outs {
		out.Close()
	}
}

type countingReceiver struct {
	stage   string
	in      Receiver
	metrics *metrics.Metrics
}

func (r *countingReceiver) Receive(ctx context.Context) (Message, error) {
	msg, err := r.in.Receive(ctx)
	if b, ok := msg.(Batch); ok {
		r.metrics.RecordsIn(r.stage, b.Len())
	}
	return msg, err
}

type mergeResult struct {
	input int
	msg   Message
	err   error
}

// merger combines several inbound channels. Batches pass through in
// arrival order; a watermark is forwarded when the minimum over the
// inputs still open advances; Eos is yielded once every input sent it.
type merger struct {
	results    chan mergeResult
	open       int
	done       []bool
	watermarks []time.Time
	emitted    time.Time
}

func newMerger(ctx context.Context, ins []*Channel) *merger {
	m := &merger{
		results:    make(chan mergeResult),
		open:       len(ins),
		done:       make([]bool, len(ins)),
		watermarks: make([]time.Time, len(ins)),
	}
	for i, in := range ins {
		go m.forward(ctx, i, in)
	}
	return m
}

func (m *merger) forward(ctx context.Context, i int, in *Channel) {
	for {
		msg, err := in.Receive(ctx)
		select {
		case m.results <- mergeResult{input: i, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		if _, ok := msg.(Eos); ok {
			return
		}
	}
}

func (m *merger) Receive(ctx context.Context) (Message, error) {
	for {
		if m.open == 0 {
			return Eos{}, nil
		}
		var r mergeResult
		select {
		case r = <-m.results:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			return nil, r.err
		}

		switch msg := r.msg.(type) {
		case Eos:
			m.done[r.input] = true
			m.open--
			if m.open == 0 {
				return Eos{}, nil
			}
			if wm, ok := m.advance(); ok {
				return wm, nil
			}
		case Watermark:
			m.watermarks[r.input] = msg.Time
			if wm, ok := m.advance(); ok {
				return wm, nil
			}
		default:
			return msg, nil
		}
	}
}

func (m *merger) advance() (Watermark, bool) {
	var low time.Time
	for i, wm := range m.watermarks {
		if m.done[i] {
			continue
		}
		if wm.IsZero() {
			return Watermark{}, false
		}
		if low.IsZero() || wm.Before(low) {
			low = wm
		}
	}
	if low.IsZero() || !low.After(m.emitted) {
		return Watermark{}, false
	}
	m.emitted = low
	return Watermark{Time: low}, true
}

// BatchFunc maps one batch to another. Returning a batch derived with
// WithRecords keeps the input's acknowledgements attached.
type BatchFunc func(ctx context.Context, b Batch) (Batch, error)

type mapTransform struct {
	name string
	fn   BatchFunc
}

// MapTransform builds a transform that applies fn to every batch and
// forwards watermarks unchanged. Batches that end up empty are still
// forwarded so their acknowledgements reach the sink in order.
func MapTransform(name string, fn BatchFunc) Transform {
	return &mapTransform{name: name, fn: fn}
}

func (t *mapTransform) Name() string {
	return t.name
}

func (t *mapTransform) Run(ctx context.Context, in Receiver, out Emitter) error {
	return Each(ctx, in, func(msg Message) error {
		if b, ok := msg.(Batch); ok {
			mapped, err := t.fn(ctx, b)
			if err != nil {
				return err
			}
			msg = mapped
		}
		return out.Emit(ctx, msg)
	})
}

// Passthrough returns a transform that forwards every message unchanged.
func Passthrough(name string) Transform {
	return MapTransform(name, func(_ context.Context, b Batch) (Batch, error) { return b, nil })
}

// Each calls fn for every message until Eos, which is not passed to fn.
func Each(ctx context.Context, in Receiver, fn func(Message) error) error {
	for {
		msg, err := in.Receive(ctx)
		if err != nil {
			return err
		}
		if _, ok := msg.(Eos); ok {
			return nil
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
