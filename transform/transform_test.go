package transform

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iceflow/pipeline"
	"iceflow/schema"
)

type collector struct {
	msgs []pipeline.Message
}

func (c *collector) Emit(_ context.Context, msg pipeline.Message) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) records() []pipeline.Record {
	var out []pipeline.Record
	for _, m := range c.msgs {
		if b, ok := m.(pipeline.Batch); ok {
			out = append(out, b.Records...)
		}
	}
	return out
}

func run(t *testing.T, tr pipeline.Transform, msgs ...pipeline.Message) (*collector, error) {
	t.Helper()
	ctx := context.Background()
	in := pipeline.NewChannel("in", len(msgs)+1)
	for _, m := range msgs {
		require.NoError(t, in.Send(ctx, m))
	}
	require.NoError(t, in.Send(ctx, pipeline.Eos{}))
	out := &collector{}
	return out, tr.Run(ctx, in, out)
}

func decode(t *testing.T, s string) pipeline.Record {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var r pipeline.Record
	require.NoError(t, dec.Decode(&r))
	return r
}

func TestClean(t *testing.T) {
	tr, err := NewClean("clean", CleanConfig{RemoveNulls: true, TrimStrings: true, NormalizeCase: "title"})
	require.NoError(t, err)

	input := decode(t, `{"name":"  ada lovelace ","note":null,"tags":[" x "],"addr":{"city":" paris ","zip":null},"n":1}`)
	out, err := run(t, tr, pipeline.NewBatch([]pipeline.Record{input}))
	require.NoError(t, err)

	got := out.records()
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.Record{
		"name": "Ada Lovelace",
		"tags": []any{"X"},
		"addr": map[string]any{"city": "Paris"},
		"n":    json.Number("1"),
	}, got[0])
	assert.Contains(t, input, "note", "the input record is not modified")
	assert.Equal(t, "  ada lovelace ", input["name"])

	_, err = NewClean("clean", CleanConfig{NormalizeCase: "sarcastic"})
	require.Error(t, err)
}

func TestCleanCases(t *testing.T) {
	for mode, want := range map[string]string{"lower": "mixed case", "upper": "MIXED CASE", "": "MiXed Case"} {
		t.Run(mode, func(t *testing.T) {
			tr, err := NewClean("clean", CleanConfig{NormalizeCase: mode})
			require.NoError(t, err)
			out, err := run(t, tr, pipeline.NewBatch([]pipeline.Record{{"s": "MiXed Case", "gone": nil}}))
			require.NoError(t, err)
			assert.Equal(t, want, out.records()[0]["s"])
			assert.Contains(t, out.records()[0], "gone", "nulls stay unless remove_nulls is set")
		})
	}
}

func TestFlatten(t *testing.T) {
	input := decode(t, `{"id":1,"user":{"name":"a","geo":{"lat":1.5,"lon":2}},"items":[{"k":1}],"empty":{}}`)

	tests := []struct {
		name string
		cfg  FlattenConfig
		want pipeline.Record
	}{
		{
			name: "unlimited",
			cfg:  FlattenConfig{},
			want: pipeline.Record{
				"id":           json.Number("1"),
				"user.name":    "a",
				"user.geo.lat": json.Number("1.5"),
				"user.geo.lon": json.Number("2"),
				"items":        []any{map[string]any{"k": json.Number("1")}},
				"empty":        map[string]any{},
			},
		},
		{
			name: "depth one",
			cfg:  FlattenConfig{Separator: "_", MaxDepth: 1},
			want: pipeline.Record{
				"id":    json.Number("1"),
				"user":  map[string]any{"name": "a", "geo": map[string]any{"lat": json.Number("1.5"), "lon": json.Number("2")}},
				"items": []any{map[string]any{"k": json.Number("1")}},
				"empty": map[string]any{},
			},
		},
		{
			name: "depth two",
			cfg:  FlattenConfig{Separator: "_", MaxDepth: 2},
			want: pipeline.Record{
				"id":        json.Number("1"),
				"user_name": "a",
				"user_geo":  map[string]any{"lat": json.Number("1.5"), "lon": json.Number("2")},
				"items":     []any{map[string]any{"k": json.Number("1")}},
				"empty":     map[string]any{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, NewFlatten("flat", tt.cfg), pipeline.NewBatch([]pipeline.Record{input}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.records()[0])
		})
	}
}

func TestPartitionKey(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC) }
	records := []pipeline.Record{
		{"region": "eu", "kind": "buy", "n": json.Number("7")},
		{"region": "us", "n": json.Number("8")},
	}

	out, err := run(t, NewPartitionKey("p", PartitionKeyConfig{PartitionBy: []string{"region", "kind"}}, now),
		pipeline.NewBatch(records))
	require.NoError(t, err)
	got := out.records()
	assert.Equal(t, "eu/buy", got[0]["partition_key"])
	assert.Equal(t, "us/unknown", got[1]["partition_key"])
	assert.Equal(t, "2024-03-01", got[0]["partition_date"])
	assert.NotContains(t, records[0], "partition_key")

	out, err = run(t, NewPartitionKey("p", PartitionKeyConfig{
		PartitionBy:     []string{"region", "n"},
		PartitionFormat: "region={0}/n={1}",
	}, now), pipeline.NewBatch(records))
	require.NoError(t, err)
	assert.Equal(t, "region=eu/n=7", out.records()[0]["partition_key"])
}

func TestEvolution(t *testing.T) {
	first := pipeline.NewBatch([]pipeline.Record{
		{"id": json.Number("1"), "amount": json.Number("300")},
		{"id": json.Number("2"), "amount": json.Number("150"), "currency": "USD"},
	})
	conflicting := pipeline.NewBatch([]pipeline.Record{{"id": "three", "currency": "EUR"}})

	t.Run("lenient", func(t *testing.T) {
		ev := NewEvolution("evo", EvolutionConfig{AutoInfer: true}, nil, nil)
		out, err := run(t, ev, first, pipeline.Watermark{Time: time.Unix(1, 0)}, conflicting)
		require.NoError(t, err)

		got := out.records()
		require.Len(t, got, 3)
		assert.Nil(t, got[2]["id"], "a string in a long column degrades to null")
		assert.Equal(t, "EUR", got[2]["currency"])
		assert.IsType(t, pipeline.Watermark{}, out.msgs[1])

		s := ev.Schema()
		require.Len(t, s.Fields, 3)
		f, ok := s.Field("currency")
		require.True(t, ok)
		assert.Equal(t, schema.String, f.Type)
		assert.False(t, f.Required)
	})

	t.Run("strict", func(t *testing.T) {
		ev := NewEvolution("evo", EvolutionConfig{AutoInfer: true, StrictMode: true}, nil, nil)
		_, err := run(t, ev, first, conflicting)
		require.ErrorIs(t, err, schema.ErrSchemaConflict)
	})

	t.Run("frozen", func(t *testing.T) {
		ev := NewEvolution("evo", EvolutionConfig{}, nil, nil)
		out, err := run(t, ev, first)
		require.NoError(t, err)
		got := out.records()
		assert.NotContains(t, got[1], "currency", "without auto_infer the first record fixes the schema")
		assert.Len(t, ev.Schema().Fields, 2)
	})
}

type fakeEngine struct {
	calls [][]pipeline.Record
	err   error
}

func (f *fakeEngine) Query(_ context.Context, records []pipeline.Record, query string) ([]pipeline.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, records)
	return []pipeline.Record{{"rows": len(records), "query": query}}, nil
}

func TestSQLWindows(t *testing.T) {
	engine := &fakeEngine{}
	tr, err := NewSQL("sql", SQLConfig{Query: "SELECT count(*) AS rows FROM input_data", WindowSize: 2}, engine)
	require.NoError(t, err)

	var acked int
	ack := func() { acked++ }
	batch := func(n int) pipeline.Batch {
		recs := make([]pipeline.Record, n)
		for i := range recs {
			recs[i] = pipeline.Record{"i": i}
		}
		return pipeline.NewBatch(recs, ack)
	}

	out, err := run(t, tr,
		batch(1), batch(2), // full window
		batch(3), pipeline.Watermark{Time: time.Unix(5, 0)}, // flushed by the watermark
		batch(4), // flushed at Eos
	)
	require.NoError(t, err)

	require.Len(t, engine.calls, 3)
	assert.Len(t, engine.calls[0], 3)
	assert.Len(t, engine.calls[1], 3)
	assert.Len(t, engine.calls[2], 4)

	require.Len(t, out.msgs, 4)
	assert.IsType(t, pipeline.Batch{}, out.msgs[0])
	assert.IsType(t, pipeline.Batch{}, out.msgs[1])
	assert.IsType(t, pipeline.Watermark{}, out.msgs[2])
	last := out.msgs[3].(pipeline.Batch)
	assert.Equal(t, 4, last.Records[0]["rows"])

	var perWindow []int
	for _, m := range out.msgs {
		if b, ok := m.(pipeline.Batch); ok {
			perWindow = append(perWindow, len(b.Acks()))
			b.Ack()
		}
	}
	assert.Equal(t, []int{2, 1, 1}, perWindow, "each window carries the acks of the batches it covers")
	assert.Equal(t, 4, acked)

	_, err = NewSQL("sql", SQLConfig{}, engine)
	require.Error(t, err)

	failing, err := NewSQL("sql", SQLConfig{Query: "SELECT 1"}, &fakeEngine{err: errors.New("parser error")})
	require.NoError(t, err)
	_, err = run(t, failing, batch(1))
	require.ErrorContains(t, err, "parser error")
}

func TestDuckDB(t *testing.T) {
	db, err := OpenDuckDB()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })

	ctx := context.Background()
	input := []pipeline.Record{
		decode(t, `{"id":1,"amount":300,"currency":"USD"}`),
		decode(t, `{"id":2,"amount":50,"currency":"EUR"}`),
		decode(t, `{"id":3,"amount":150,"currency":"USD"}`),
	}
	got, err := db.Query(ctx, input,
		"SELECT id, amount * 2 AS doubled, upper(currency) AS currency FROM input_data WHERE amount > 100 ORDER BY id")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0]["id"])
	assert.EqualValues(t, 600, got[0]["doubled"])
	assert.Equal(t, "USD", got[1]["currency"])

	got, err = db.Query(ctx, nil, "SELECT * FROM input_data")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = db.Query(ctx, input, "SELECT nope FROM input_data")
	require.Error(t, err)
}
