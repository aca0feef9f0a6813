package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iceflow/pipeline"
)

type sourceFunc struct {
	name string
	run  func(ctx context.Context, out pipeline.Emitter) error
}

func (s sourceFunc) Name() string { return s.name }

func (s sourceFunc) Run(ctx context.Context, out pipeline.Emitter) error { return s.run(ctx, out) }

func TestIcebergSinkCancelledWithPartialBuffer(t *testing.T) {
	s, tbl := newIcebergSink(t, 10)

	release := make(chan struct{})
	src := sourceFunc{name: "gen", run: func(ctx context.Context, out pipeline.Emitter) error {
		if err := out.Emit(ctx, pipeline.NewBatch(clicks(15))); err != nil {
			return err
		}
		<-ctx.Done()
		// stay up until the sink has stopped so its failure is reported first
		<-release
		return ctx.Err()
	}}

	rg, err := pipeline.Build(context.Background(),
		[]pipeline.Operator{src, s},
		[]pipeline.Edge{{From: "gen", To: "clicks"}},
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := tbl.Load(context.Background())
		return err == nil && v.Exists() && len(v.Metadata.Snapshots) == 1
	}, 5*time.Second, 5*time.Millisecond)

	rg.Cancel()
	edge := rg.Channels()[0]
	stopped, cancel := context.WithCancel(context.Background())
	cancel()
	require.Eventually(t, func() bool {
		_, err := edge.Receive(stopped)
		return errors.Is(err, pipeline.ErrChannelClosed)
	}, 5*time.Second, time.Millisecond, "the sink closes its input when it stops")
	close(release)

	err = rg.Wait()
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), `sink "clicks"`)

	snaps := snapshots(t, tbl)
	require.Len(t, snaps, 1, "the buffered tail is not committed on cancellation")
	assert.Equal(t, "10", snaps[0].Summary["added-records"])
	assert.Equal(t, 5, s.Mapper().Buffered())
}
