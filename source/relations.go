package source

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"iceflow/pipeline"
	"iceflow/schema"
)

type Column struct {
	Name     string
	TypeOID  uint32
	TypeName string
	Key      bool
}

// Relation is a replicated table as last described by the server.
type Relation struct {
	ID        uint32
	Namespace string
	Name      string
	Columns   []Column
}

func (r *Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// relationCache maps relation ids from the replication stream to table
// descriptions. It is owned by the replication loop.
type relationCache struct {
	byID   map[uint32]*Relation
	byName map[string]*Relation
}

func newRelationCache() *relationCache {
	return &relationCache{
		byID:   make(map[uint32]*Relation),
		byName: make(map[string]*Relation),
	}
}

func (c *relationCache) put(r *Relation) {
	c.byID[r.ID] = r
	c.byName[r.QualifiedName()] = r
}

// apply records a relation message. The server sends one before the
// first change of a table in a session and again after its DDL changed.
func (c *relationCache) apply(msg *pglogrepl.RelationMessageV2) *Relation {
	r := &Relation{
		ID:        msg.RelationID,
		Namespace: msg.Namespace,
		Name:      msg.RelationName,
		Columns:   make([]Column, len(msg.Columns)),
	}
	for i, col := range msg.Columns {
		r.Columns[i] = Column{
			Name:    col.Name,
			TypeOID: col.DataType,
			Key:     col.Flags&1 != 0,
		}
	}
	c.put(r)
	return r
}

func (c *relationCache) get(id uint32) (*Relation, error) {
	r, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation id %d", id)
	}
	return r, nil
}

// loadRelation reads a table's columns from the catalog so that a
// misconfigured table fails at startup rather than on its first change.
func loadRelation(ctx context.Context, conn *pgx.Conn, namespace, name string) (*Relation, error) {
	r := &Relation{Namespace: namespace, Name: name}
	err := conn.QueryRow(ctx, `
        SELECT c.oid
        FROM pg_class c
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE n.nspname = $1 AND c.relname = $2
    `, namespace, name).Scan(&r.ID)
	if err != nil {
		return nil, fmt.Errorf("getting relation id of %s.%s: %w", namespace, name, err)
	}

	rows, err := conn.Query(ctx, `
        SELECT
            c.column_name,
            t.oid AS type_oid,
            t.typname AS data_type
        FROM information_schema.columns c
        JOIN pg_catalog.pg_type t ON c.udt_name = t.typname
        WHERE c.table_schema = $1 AND c.table_name = $2
        ORDER BY c.ordinal_position
    `, namespace, name)
	if err != nil {
		return nil, fmt.Errorf("querying columns of %s.%s: %w", namespace, name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.TypeOID, &col.TypeName); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		r.Columns = append(r.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}
	if len(r.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns", namespace, name)
	}
	return r, nil
}

// decodeTuple turns a tuple of r into a record. Unchanged TOAST values
// are left out since the message does not carry them.
func (r *Relation) decodeTuple(typeMap *pgtype.Map, tuple *pglogrepl.TupleData) (pipeline.Record, error) {
	rec := make(pipeline.Record, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(r.Columns) {
			return nil, fmt.Errorf("relation %s: tuple has %d columns, relation %d",
				r.QualifiedName(), len(tuple.Columns), len(r.Columns))
		}
		c := r.Columns[i]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			rec[c.Name] = nil
		case pglogrepl.TupleDataTypeToast:
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			v, err := decodeColumnData(typeMap, col.Data, c.TypeOID, format)
			if err != nil {
				return nil, fmt.Errorf("decoding column %s: %w", c.Name, err)
			}
			rec[c.Name] = normalizeValue(v, c.TypeOID)
		default:
			return nil, fmt.Errorf("unknown tuple data type %q for column %s", col.DataType, c.Name)
		}
	}
	return rec, nil
}

func decodeColumnData(typeMap *pgtype.Map, data []byte, oid uint32, format int16) (any, error) {
	dt, ok := typeMap.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	v, err := dt.Codec.DecodeValue(typeMap, oid, format, data)
	if err != nil {
		return nil, fmt.Errorf("decoding value of type %d: %w", oid, err)
	}
	return v, nil
}

// icebergType maps a Postgres type to the column type it is written as.
// ok is false for types whose decoded value is kept as is, such as json.
func icebergType(oid uint32) (t schema.PrimitiveType, ok bool) {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID:
		return schema.Int, true
	case pgtype.Int8OID:
		return schema.Long, true
	case pgtype.Float4OID:
		return schema.Float, true
	case pgtype.Float8OID, pgtype.NumericOID:
		return schema.Double, true
	case pgtype.BoolOID:
		return schema.Boolean, true
	case pgtype.DateOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		return schema.Timestamp, true
	case pgtype.ByteaOID:
		return schema.Binary, true
	case pgtype.JSONOID, pgtype.JSONBOID:
		return "", false
	}
	return schema.String, true
}

// normalizeValue converts a decoded value to the Go type that infers as
// the column's iceberg type.
func normalizeValue(v any, oid uint32) any {
	if v == nil {
		return nil
	}
	t, ok := icebergType(oid)
	if !ok {
		return v
	}
	switch t {
	case schema.Int:
		switch n := v.(type) {
		case int16:
			return int32(n)
		case int32:
			return n
		}
	case schema.Long:
		if n, ok := v.(int64); ok {
			return n
		}
	case schema.Float:
		if f, ok := v.(float32); ok {
			return f
		}
	case schema.Double:
		switch n := v.(type) {
		case float64:
			return n
		case pgtype.Numeric:
			f, err := n.Float64Value()
			if err != nil || !f.Valid {
				return nil
			}
			return f.Float64
		}
	case schema.Boolean:
		if b, ok := v.(bool); ok {
			return b
		}
	case schema.Timestamp:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC()
		}
	case schema.Binary:
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	if u, ok := v.([16]byte); ok {
		return uuid.UUID(u).String()
	}
	return schema.Stringify(v)
}
