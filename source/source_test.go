package source

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"gopkg.in/yaml.v3"

	"iceflow/pipeline"
	"iceflow/retry"
)

type collector struct {
	mu   sync.Mutex
	msgs []pipeline.Message
	ack  bool
}

func (c *collector) Emit(_ context.Context, msg pipeline.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	if b, ok := msg.(pipeline.Batch); ok && c.ack {
		b.Ack()
	}
	return nil
}

func (c *collector) batches() []pipeline.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []pipeline.Batch
	for _, m := range c.msgs {
		if b, ok := m.(pipeline.Batch); ok {
			out = append(out, b)
		}
	}
	return out
}

func (c *collector) records() []pipeline.Record {
	var out []pipeline.Record
	for _, b := range c.batches() {
		out = append(out, b.Records...)
	}
	return out
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []pipeline.Record
		wantErr bool
	}{
		{name: "object", payload: `{"id": 1, "price": 2.5}`, want: []pipeline.Record{{"id": json.Number("1"), "price": json.Number("2.5")}}},
		{name: "array", payload: `[{"a": "x"}, {"a": "y"}]`, want: []pipeline.Record{{"a": "x"}, {"a": "y"}}},
		{name: "empty", payload: "  \n", want: nil},
		{name: "null", payload: "null", want: nil},
		{name: "scalar", payload: "42", wantErr: true},
		{name: "array of scalars", payload: `[1, 2]`, wantErr: true},
		{name: "trailing data", payload: `{"a": 1} {"a": 2}`, wantErr: true},
		{name: "malformed", payload: `{"a":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeJSON([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DecodeJSON() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecoderRegistry(t *testing.T) {
	d, err := LookupDecoder("")
	require.NoError(t, err)
	recs, err := d([]byte(`{"a": true}`))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{{"a": true}}, recs)

	raw, err := LookupDecoder("raw")
	require.NoError(t, err)
	recs, err = raw([]byte("plain text"))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{{"payload": "plain text"}}, recs)

	_, err = LookupDecoder("avro")
	require.ErrorContains(t, err, `unknown encoding "avro"`)

	RegisterDecoder("lines", func(payload []byte) ([]pipeline.Record, error) {
		return []pipeline.Record{{"len": len(payload)}}, nil
	})
	lines, err := LookupDecoder("lines")
	require.NoError(t, err)
	recs, err = lines([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{{"len": 3}}, recs)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runFile(t *testing.T, cfg FileConfig) (*collector, error) {
	t.Helper()
	src, err := NewFile("files", cfg, nil)
	require.NoError(t, err)
	out := &collector{}
	return out, src.Run(context.Background(), out)
}

func TestFileNDJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.ndjson", "{\"id\": 1}\n\nnot json\n{\"id\": 2}\n{\"id\": 3}")

	out, err := runFile(t, FileConfig{Path: path, BatchRows: 2})
	require.NoError(t, err)

	batches := out.batches()
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 1, batches[1].Len())
	assert.Equal(t, []pipeline.Record{
		{"id": json.Number("1")},
		{"id": json.Number("2")},
		{"id": json.Number("3")},
	}, out.records())
}

func TestFileJSONArrayAndConcatenatedObjects(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "events.json", "[{\"id\": 1}, {\"id\": 2}]\n{\"id\": 3, \"tags\": [\"a\"]}\n")

	out, err := runFile(t, FileConfig{Path: path})
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{
		{"id": json.Number("1")},
		{"id": json.Number("2")},
		{"id": json.Number("3"), "tags": []any{"a"}},
	}, out.records())
}

func TestFileJSONRejectsNonObjects(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `[{"id": 1}, 2]`)

	_, err := runFile(t, FileConfig{Path: path})
	require.ErrorContains(t, err, "record 2")
}

func TestFileCSVWithHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "people.csv", "\uFEFFid,name,active,score\n1,ann,true,\n2,bob,FALSE,2.5\n3,\"c,d\",yes,1e3\n")

	out, err := runFile(t, FileConfig{Path: path, HasHeader: true, InferTypes: true})
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{
		{"id": json.Number("1"), "name": "ann", "active": true, "score": nil},
		{"id": json.Number("2"), "name": "bob", "active": false, "score": json.Number("2.5")},
		{"id": json.Number("3"), "name": "c,d", "active": "yes", "score": json.Number("1e3")},
	}, out.records())
}

func TestFileCSVWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rows.txt", "a;1\nb;2;extra\n")

	out, err := runFile(t, FileConfig{Path: path, Format: "csv", Delimiter: ";"})
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{
		{"col_0": "a", "col_1": "1"},
		{"col_0": "b", "col_1": "2", "col_2": "extra"},
	}, out.records())
}

func TestFileGlobReadsInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "2.ndjson", `{"n": 2}`)
	writeFile(t, dir, "1.ndjson", `{"n": 1}`)
	writeFile(t, dir, "ignored.csv", "n\n3\n")

	out, err := runFile(t, FileConfig{Path: filepath.Join(dir, "*.ndjson")})
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Record{{"n": json.Number("1")}, {"n": json.Number("2")}}, out.records())
	assert.Len(t, out.batches(), 1, "batches span files")
}

func TestFileNoMatch(t *testing.T) {
	_, err := runFile(t, FileConfig{Path: filepath.Join(t.TempDir(), "*.csv")})
	require.ErrorContains(t, err, "no files matched")
}

func TestNewFileValidation(t *testing.T) {
	for name, cfg := range map[string]FileConfig{
		"no path":        {},
		"bad pattern":    {Path: "data/[.csv"},
		"unknown format": {Path: "x", Format: "xml"},
		"long delimiter": {Path: "x", Delimiter: "::"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewFile("files", cfg, nil)
			require.Error(t, err)
		})
	}
}

type fakeKafka struct {
	mu        sync.Mutex
	polls     []kgo.Fetches
	committed []*kgo.Record
	commitErr error
	closed    bool
}

func (f *fakeKafka) PollRecords(_ context.Context, _ int) kgo.Fetches {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) == 0 {
		return kgo.Fetches{}
	}
	p := f.polls[0]
	f.polls = f.polls[1:]
	return p
}

func (f *fakeKafka) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, rs...)
	return nil
}

func (f *fakeKafka) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeKafka) offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.committed))
	for i, r := range f.committed {
		out[i] = r.Offset
	}
	return out
}

func fetch(partition int32, records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "orders",
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: records}},
	}}}}
}

func fetchErr(err error) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      "orders",
		Partitions: []kgo.FetchPartition{{Partition: 0, Err: err}},
	}}}}
}

func message(offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     "orders",
		Partition: 0,
		Offset:    offset,
		Key:       []byte("k"),
		Value:     []byte(value),
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
	}
}

func newTestKafka(t *testing.T, cfg KafkaConfig, client *fakeKafka) *Kafka {
	t.Helper()
	cfg.Brokers = Brokers{"localhost:9092"}
	cfg.GroupID = "ingest"
	cfg.Topic = "orders"
	k, err := NewKafka("kafka", cfg, nil)
	require.NoError(t, err)
	k.dial = func() (kafkaClient, error) { return client, nil }
	k.policy = retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return k
}

func TestKafkaCommitsAcknowledgedOffsets(t *testing.T) {
	client := &fakeKafka{polls: []kgo.Fetches{
		fetch(0, message(0, `{"id": 1}`), message(1, `{"id": 2}`)),
		fetch(0, message(2, `[{"id": 3}, {"id": 4}]`)),
	}}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true}, client)
	out := &collector{ack: true}

	require.NoError(t, k.Run(context.Background(), out))
	require.Len(t, out.batches(), 2)
	assert.Len(t, out.records(), 4)
	assert.Equal(t, []int64{0, 1, 2}, client.offsets())

	require.NoError(t, k.Close())
	assert.True(t, client.closed)
}

func TestKafkaHoldsOffsetsUntilAcknowledged(t *testing.T) {
	client := &fakeKafka{polls: []kgo.Fetches{
		fetch(0, message(5, `{"id": 1}`)),
	}}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true}, client)
	out := &collector{}

	require.NoError(t, k.Run(context.Background(), out))
	assert.Empty(t, client.offsets(), "nothing is committed before the batch is acknowledged")

	batches := out.batches()
	require.Len(t, batches, 1)
	batches[0].Ack()
	require.NoError(t, k.Close())
	assert.Equal(t, []int64{5}, client.offsets())
}

func TestKafkaRequeuesFailedCommits(t *testing.T) {
	client := &fakeKafka{
		polls:     []kgo.Fetches{fetch(0, message(0, `{"id": 1}`))},
		commitErr: errors.New("coordinator moved"),
	}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true}, client)
	require.NoError(t, k.Run(context.Background(), &collector{ack: true}))
	assert.Empty(t, client.offsets())

	client.mu.Lock()
	client.commitErr = nil
	client.mu.Unlock()
	require.NoError(t, k.Close())
	assert.Equal(t, []int64{0}, client.offsets())
}

func TestKafkaMetadataAndUndecodablePayloads(t *testing.T) {
	client := &fakeKafka{polls: []kgo.Fetches{
		fetch(0, message(7, `{"id": 1}`), message(8, `not json`)),
	}}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true, Metadata: true}, client)
	out := &collector{ack: true}

	require.NoError(t, k.Run(context.Background(), out))
	recs := out.records()
	require.Len(t, recs, 1)
	assert.Equal(t, pipeline.Record{
		"id":         json.Number("1"),
		"_topic":     "orders",
		"_partition": int64(0),
		"_offset":    int64(7),
		"_key":       "k",
		"_timestamp": time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}, recs[0])
	assert.Equal(t, []int64{7, 8}, client.offsets(), "dropped payloads are committed with their batch")
}

func TestKafkaGivesUpAfterRepeatedPollErrors(t *testing.T) {
	boom := errors.New("broker unavailable")
	client := &fakeKafka{polls: []kgo.Fetches{fetchErr(boom), fetchErr(boom), fetchErr(boom)}}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true}, client)

	err := k.Run(context.Background(), &collector{})
	require.ErrorIs(t, err, boom)
	assert.True(t, retry.IsTransient(err))
}

func TestKafkaRecoversFromPollErrors(t *testing.T) {
	boom := errors.New("broker unavailable")
	client := &fakeKafka{polls: []kgo.Fetches{fetchErr(boom), fetch(0, message(0, `{"id": 1}`))}}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true}, client)
	out := &collector{ack: true}

	require.NoError(t, k.Run(context.Background(), out))
	assert.Len(t, out.records(), 1)
}

func TestKafkaWatermarks(t *testing.T) {
	client := &fakeKafka{polls: []kgo.Fetches{fetch(0, message(0, `{"id": 1}`))}}
	k := newTestKafka(t, KafkaConfig{StopAtEnd: true, WatermarkInterval: time.Second}, client)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time {
		clock = clock.Add(2 * time.Second)
		return clock
	}
	out := &collector{ack: true}

	require.NoError(t, k.Run(context.Background(), out))
	require.Len(t, out.msgs, 2)
	assert.IsType(t, pipeline.Batch{}, out.msgs[0])
	assert.IsType(t, pipeline.Watermark{}, out.msgs[1])
}

func TestKafkaConfig(t *testing.T) {
	var cfg KafkaConfig
	require.NoError(t, yaml.Unmarshal([]byte("brokers: a:9092, b:9092\ntopic: t\n"), &cfg))
	assert.Equal(t, Brokers{"a:9092", "b:9092"}, cfg.Brokers)

	require.NoError(t, yaml.Unmarshal([]byte("brokers: [c:9092]\n"), &cfg))
	assert.Equal(t, Brokers{"c:9092"}, cfg.Brokers)

	_, err := NewKafka("k", KafkaConfig{Brokers: Brokers{"a"}, Topic: "t", GroupID: "g", Encoding: "xml"}, nil)
	require.ErrorContains(t, err, "unknown encoding")
	_, err = NewKafka("k", KafkaConfig{Brokers: Brokers{"a"}, Topic: "t", GroupID: "g", StartOffset: "middle"}, nil)
	require.Error(t, err)
	_, err = NewKafka("k", KafkaConfig{Topic: "t", GroupID: "g"}, nil)
	require.Error(t, err)
}

func textColumn(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(s)), Data: []byte(s)}
}

func nullColumn() *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeNull}
}

func tuple(cols ...*pglogrepl.TupleDataColumn) *pglogrepl.TupleData {
	return &pglogrepl.TupleData{ColumnNum: uint16(len(cols)), Columns: cols}
}

func ordersRelation(id uint32, namespace string) *pglogrepl.RelationMessageV2 {
	return &pglogrepl.RelationMessageV2{RelationMessage: pglogrepl.RelationMessage{
		RelationID:   id,
		Namespace:    namespace,
		RelationName: "orders",
		ColumnNum:    3,
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id", DataType: pgtype.Int8OID},
			{Name: "amount", DataType: pgtype.NumericOID},
			{Name: "note", DataType: pgtype.TextOID},
		},
	}}
}

func TestRelationCache(t *testing.T) {
	c := newRelationCache()
	_, err := c.get(16384)
	require.Error(t, err)

	r := c.apply(ordersRelation(16384, "public"))
	assert.Equal(t, "public.orders", r.QualifiedName())
	got, err := c.get(16384)
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.True(t, got.Columns[0].Key)
	assert.False(t, got.Columns[1].Key)
	assert.Same(t, r, c.byName["public.orders"])
}

func TestDecodeTuple(t *testing.T) {
	r := &Relation{ID: 1, Namespace: "public", Name: "things", Columns: []Column{
		{Name: "small", TypeOID: pgtype.Int2OID},
		{Name: "big", TypeOID: pgtype.Int8OID},
		{Name: "price", TypeOID: pgtype.NumericOID},
		{Name: "ok", TypeOID: pgtype.BoolOID},
		{Name: "at", TypeOID: pgtype.TimestamptzOID},
		{Name: "id", TypeOID: pgtype.UUIDOID},
		{Name: "gone", TypeOID: pgtype.TextOID},
		{Name: "big_text", TypeOID: pgtype.TextOID},
		{Name: "odd", TypeOID: 999999},
	}}
	rec, err := r.decodeTuple(pgtype.NewMap(), tuple(
		textColumn("7"),
		textColumn("9000000000"),
		textColumn("12.50"),
		textColumn("t"),
		textColumn("2024-01-02 03:04:05+02"),
		textColumn("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"),
		nullColumn(),
		&pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeToast},
		textColumn("whatever"),
	))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Record{
		"small": int32(7),
		"big":   int64(9000000000),
		"price": 12.5,
		"ok":    true,
		"at":    time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC),
		"id":    "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11",
		"gone":  nil,
		"odd":   "whatever",
	}, rec)
	_, present := rec["big_text"]
	assert.False(t, present, "unchanged toast values are left out")

	_, err = r.decodeTuple(pgtype.NewMap(), tuple(textColumn("not a number")))
	require.ErrorContains(t, err, "decoding column small")
}

func TestTxnAssembler(t *testing.T) {
	asm := newTxnAssembler(newRelationCache(), nil)
	handle := func(msg pglogrepl.Message, lsn pglogrepl.LSN) *committedTxn {
		t.Helper()
		txn, err := asm.handle(msg, lsn)
		require.NoError(t, err)
		return txn
	}

	assert.Nil(t, handle(ordersRelation(1, "public"), 0))
	assert.Nil(t, handle(&pglogrepl.BeginMessage{Xid: 700}, 100))
	assert.Nil(t, handle(&pglogrepl.InsertMessageV2{InsertMessage: pglogrepl.InsertMessage{
		RelationID: 1, Tuple: tuple(textColumn("1"), textColumn("3.5"), textColumn("first")),
	}}, 0x110))
	assert.Nil(t, handle(&pglogrepl.UpdateMessageV2{UpdateMessage: pglogrepl.UpdateMessage{
		RelationID: 1, NewTuple: tuple(textColumn("1"), textColumn("4"), textColumn("second")),
	}}, 0x120))
	assert.Nil(t, handle(&pglogrepl.DeleteMessageV2{DeleteMessage: pglogrepl.DeleteMessage{
		RelationID: 1, OldTuple: tuple(textColumn("1"), nullColumn(), nullColumn()),
	}}, 0x130))

	txn := handle(&pglogrepl.CommitMessage{TransactionEndLSN: 0x140}, 0x140)
	require.NotNil(t, txn)
	assert.EqualValues(t, 700, txn.xid)
	assert.Equal(t, pglogrepl.LSN(0x140), txn.endLSN)
	require.Len(t, txn.records, 3)
	assert.Equal(t, pipeline.Record{
		"id": int64(1), "amount": 3.5, "note": "first",
		"_op": "insert", "_table": "public.orders", "_lsn": "0/110",
	}, txn.records[0])
	assert.Equal(t, "update", txn.records[1]["_op"])
	assert.Equal(t, "second", txn.records[1]["note"])
	assert.Equal(t, "delete", txn.records[2]["_op"])
	assert.Nil(t, txn.records[2]["amount"])

	_, err := asm.handle(&pglogrepl.CommitMessage{}, 0)
	require.Error(t, err, "commit without begin")
}

func TestTxnAssemblerStreamedTransactions(t *testing.T) {
	asm := newTxnAssembler(newRelationCache(), nil)
	insert := func(xid uint32, note string) *pglogrepl.InsertMessageV2 {
		return &pglogrepl.InsertMessageV2{
			InsertMessage:            pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple(textColumn("1"), textColumn("1"), textColumn(note))},
			InStreamMessageV2WithXid: pglogrepl.InStreamMessageV2WithXid{Xid: xid},
		}
	}
	msgs := []pglogrepl.Message{
		ordersRelation(1, "public"),
		&pglogrepl.StreamStartMessageV2{Xid: 10, FirstSegment: 1},
		insert(10, "a1"),
		&pglogrepl.StreamStopMessageV2{},
		&pglogrepl.StreamStartMessageV2{Xid: 11, FirstSegment: 1},
		insert(11, "b1"),
		&pglogrepl.StreamStopMessageV2{},
		&pglogrepl.StreamStartMessageV2{Xid: 10},
		insert(10, "a2"),
		&pglogrepl.StreamStopMessageV2{},
		&pglogrepl.StreamAbortMessageV2{Xid: 11, SubXid: 11},
	}
	for _, m := range msgs {
		txn, err := asm.handle(m, 0)
		require.NoError(t, err)
		require.Nil(t, txn)
	}
	assert.False(t, asm.inStream)
	assert.NotContains(t, asm.streams, uint32(11), "an aborted stream is discarded")

	txn, err := asm.handle(&pglogrepl.StreamCommitMessageV2{Xid: 10, TransactionEndLSN: 0x900}, 0)
	require.NoError(t, err)
	require.NotNil(t, txn)
	require.Len(t, txn.records, 2)
	assert.Equal(t, "a1", txn.records[0]["note"])
	assert.Equal(t, "a2", txn.records[1]["note"])
	assert.Empty(t, asm.streams)
}

func TestTxnAssemblerTableFilter(t *testing.T) {
	asm := newTxnAssembler(newRelationCache(), map[string]bool{"sales.orders": true})
	for _, m := range []pglogrepl.Message{
		ordersRelation(1, "public"),
		ordersRelation(2, "sales"),
		&pglogrepl.BeginMessage{Xid: 1},
		&pglogrepl.InsertMessageV2{InsertMessage: pglogrepl.InsertMessage{RelationID: 1, Tuple: tuple(textColumn("1"), textColumn("1"), textColumn("skip"))}},
		&pglogrepl.InsertMessageV2{InsertMessage: pglogrepl.InsertMessage{RelationID: 2, Tuple: tuple(textColumn("2"), textColumn("1"), textColumn("keep"))}},
	} {
		_, err := asm.handle(m, 0)
		require.NoError(t, err)
	}
	txn, err := asm.handle(&pglogrepl.CommitMessage{TransactionEndLSN: 10}, 0)
	require.NoError(t, err)
	require.Len(t, txn.records, 1)
	assert.Equal(t, "keep", txn.records[0]["note"])
	assert.Equal(t, "sales.orders", txn.records[0]["_table"])
}

func TestTxnAssemblerUnknownRelation(t *testing.T) {
	asm := newTxnAssembler(newRelationCache(), nil)
	_, err := asm.handle(&pglogrepl.BeginMessage{Xid: 1}, 0)
	require.NoError(t, err)
	_, err = asm.handle(&pglogrepl.InsertMessageV2{InsertMessage: pglogrepl.InsertMessage{RelationID: 42, Tuple: tuple()}}, 0)
	require.ErrorContains(t, err, "unknown relation id 42")
}

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	p, err := NewPostgres("cdc", PostgresConfig{DSN: "postgres://localhost/db", Slot: "iceflow", Publication: "pub"}, nil)
	require.NoError(t, err)
	return p
}

func TestPostgresConfirmsOnlyAcknowledgedTransactions(t *testing.T) {
	ctx := context.Background()
	p := newTestPostgres(t)
	out := &collector{}
	assert.Equal(t, noProgress, p.flushed(), "nothing is confirmed before the first ack")

	require.NoError(t, p.emit(ctx, out, &committedTxn{xid: 1, records: []pipeline.Record{{"id": 1}}, endLSN: 100}))
	require.NoError(t, p.emit(ctx, out, &committedTxn{xid: 2, records: []pipeline.Record{{"id": 2}}, endLSN: 200}))
	// an empty transaction behind unacknowledged ones still travels as a batch
	require.NoError(t, p.emit(ctx, out, &committedTxn{xid: 3, endLSN: 300}))
	assert.Equal(t, noProgress, p.flushed())

	batches := out.batches()
	require.Len(t, batches, 3)
	batches[0].Ack()
	assert.Equal(t, pglogrepl.LSN(100), p.flushed())
	batches[0].Ack()
	assert.EqualValues(t, 2, p.outstanding.Load(), "acknowledging twice counts once")

	batches[2].Ack()
	batches[1].Ack()
	assert.Equal(t, pglogrepl.LSN(300), p.flushed(), "the confirmed position never moves back")
	assert.Zero(t, p.outstanding.Load())

	require.NoError(t, p.emit(ctx, out, &committedTxn{xid: 4, endLSN: 400}))
	assert.Len(t, out.batches(), 3, "an empty transaction with nothing pending is confirmed at once")
	assert.Equal(t, pglogrepl.LSN(400), p.flushed())
}

func TestPostgresConnString(t *testing.T) {
	cfg := PostgresConfig{Host: "db", User: "repl", Password: "s3cret", Database: "shop"}
	assert.Equal(t, "postgres://repl:s3cret@db:5432/shop", cfg.connString(false))
	assert.Equal(t, "postgres://repl:s3cret@db:5432/shop?replication=database", cfg.connString(true))

	cfg = PostgresConfig{DSN: "postgres://u@h/d?sslmode=disable"}
	assert.Equal(t, "postgres://u@h/d?sslmode=disable&replication=database", cfg.connString(true))
}

func TestNewPostgresValidation(t *testing.T) {
	for name, cfg := range map[string]PostgresConfig{
		"no connection":  {Slot: "s", Publication: "p"},
		"no slot":        {DSN: "postgres://h/d", Publication: "p"},
		"no publication": {DSN: "postgres://h/d", Slot: "s"},
		"unnamed table":  {DSN: "postgres://h/d", Slot: "s", Publication: "p", Tables: []PostgresTable{{Schema: "public"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewPostgres("cdc", cfg, nil)
			require.Error(t, err)
		})
	}

	p, err := NewPostgres("cdc", PostgresConfig{DSN: "postgres://h/d", Slot: "s", Publication: "p",
		Tables: []PostgresTable{{Name: "orders"}, {Schema: "sales", Name: "refunds"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"public.orders": true, "sales.refunds": true}, p.tableFilter())
}
