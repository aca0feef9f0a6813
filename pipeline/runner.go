package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"iceflow/metrics"
)

// StageError names the stage whose failure ended a run.
type StageError struct {
	Stage string
	Role  Role
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Role, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type options struct {
	capacity int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*options)

// WithChannelCapacity sets the buffer size of every edge.
func WithChannelCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// RunningGraph is a started graph: one goroutine per stage and one
// channel per edge.
type RunningGraph struct {
	channels []*Channel
	stages   []string
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	failures failures
}

// Build validates the stages and edges and starts them.
func Build(ctx context.Context, stages []Operator, edges []Edge, opts ...Option) (*RunningGraph, error) {
	g, err := NewGraph(stages, edges)
	if err != nil {
		return nil, err
	}
	return g.Start(ctx, opts...), nil
}

// Start allocates a channel per edge and spawns every stage. The run ends
// when all stages returned or the first one failed; a failure cancels the
// others.
func (g *Graph) Start(ctx context.Context, opts ...Option) *RunningGraph {
	o := options{capacity: DefaultChannelCapacity, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	rg := &RunningGraph{
		channels: make([]*Channel, len(g.edges)),
		stages:   g.Stages(),
		done:     make(chan struct{}),
	}
	for i, e := range g.edges {
		rg.channels[i] = NewChannel(e.String(), o.capacity)
	}

	ctx, rg.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	for _, name := range g.order {
		n := g.nodes[name]
		st := &stage{
			node:     n,
			in:       pick(rg.channels, n.in),
			out:      &fanOut{stage: name, outs: pick(rg.channels, n.out), metrics: o.metrics},
			logger:   o.logger.With("stage", name, "role", n.role.String()),
			metrics:  o.metrics,
			failures: &rg.failures,
		}
		group.Go(func() error { return st.run(gctx) })
	}

	go func() {
		err := group.Wait()
		rg.err = rg.failures.result(err)
		rg.cancel()
		close(rg.done)
	}()
	return rg
}

func pick(channels []*Channel, idx []int) []*Channel {
	out := make([]*Channel, len(idx))
	for i, j := range idx {
		out[i] = channels[j]
	}
	return out
}

// Wait blocks until every stage returned and reports the first root
// cause failure, or nil when the run ended with Eos everywhere.
func (rg *RunningGraph) Wait() error {
	<-rg.done
	return rg.err
}

// Cancel stops every stage. Wait then reports context.Canceled unless a
// stage had already failed.
func (rg *RunningGraph) Cancel() {
	rg.cancel()
}

func (rg *RunningGraph) Done() <-chan struct{} {
	return rg.done
}

// Channels returns the edge channels, in edge order.
func (rg *RunningGraph) Channels() []*Channel {
	return rg.channels
}

// Stages returns the names of the spawned stages.
func (rg *RunningGraph) Stages() []string {
	return rg.stages
}

type stage struct {
	*node
	in       []*Channel
	out      *fanOut
	logger   *slog.Logger
	metrics  *metrics.Metrics
	failures *failures
}

func (s *stage) run(ctx context.Context) (err error) {
	// Forwarders of a fan-in receiver live as long as the stage.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	s.logger.Debug("stage started")
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err == nil {
			err = s.out.eos(ctx)
		}
		if err != nil {
			// Recorded before the outputs close so that downstream
			// echoes of this failure cannot take its place.
			err = &StageError{Stage: s.name, Role: s.role, Err: err}
			s.failures.record(err)
			s.out.abort()
		}
		// An upstream blocked on a stage that stopped reading must not
		// wait forever.
		for _, in := range s.in {
			in.Close()
		}
		if err != nil {
			s.logger.Debug("stage stopped", "error", err, "elapsed", time.Since(start))
		} else {
			s.logger.Debug("stage finished", "elapsed", time.Since(start))
		}
	}()

	var in Receiver
	switch len(s.in) {
	case 0:
	case 1:
		in = s.in[0]
	default:
		in = newMerger(ctx, s.in)
	}
	if in != nil {
		in = &countingReceiver{stage: s.name, in: in, metrics: s.metrics}
	}

	switch op := s.op.(type) {
	case Source:
		return op.Run(ctx, s.out)
	case Transform:
		return op.Run(ctx, in, s.out)
	case Sink:
		return op.Run(ctx, in)
	}
	return fmt.Errorf("unsupported operator %T", s.op)
}

// failures keeps the first root cause apart from the errors other stages
// report because of it.
type failures struct {
	mu     sync.Mutex
	first  error
	echoes []error
}

func isEcho(err error) bool {
	return errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (f *failures) record(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first == nil && !isEcho(err) {
		f.first = err
		return
	}
	f.echoes = append(f.echoes, err)
}

func (f *failures) result(groupErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first != nil {
		return f.first
	}
	if len(f.echoes) > 0 {
		return f.echoes[0]
	}
	return groupErr
}
