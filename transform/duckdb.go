package transform

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/marcboeker/go-duckdb"
	"go.uber.org/multierr"

	"iceflow/pipeline"
)

// DuckDB runs SQL transforms on an in-process DuckDB database. Input
// records are staged as newline delimited JSON and loaded with
// read_json_auto, so column types follow DuckDB's own inference.
type DuckDB struct {
	db  *sql.DB
	dir string
	// one query at a time: input_data is recreated per query
	mu sync.Mutex
}

func OpenDuckDB() (*DuckDB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	dir, err := os.MkdirTemp("", "iceflow-sql-")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &DuckDB{db: db, dir: dir}, nil
}

func (d *DuckDB) Query(ctx context.Context, records []pipeline.Record, query string) ([]pipeline.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	path, err := d.stage(records)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	// Temporary tables are per connection.
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	load := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS SELECT * FROM read_json_auto('%s', format = 'newline_delimited')",
		InputRelation, strings.ReplaceAll(path, "'", "''"))
	if _, err := conn.ExecContext(ctx, load); err != nil {
		return nil, fmt.Errorf("loading input: %w", err)
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(columns))
	scanArgs := make([]any, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var out []pipeline.Record
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		rec := make(pipeline.Record, len(columns))
		for i, name := range columns {
			rec[name] = normalize(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DuckDB) stage(records []pipeline.Record) (string, error) {
	f, err := os.CreateTemp(d.dir, "input-*.json")
	if err != nil {
		return "", fmt.Errorf("staging input: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err = enc.Encode(r); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	err = multierr.Append(err, f.Close())
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("staging input: %w", err)
	}
	return f.Name(), nil
}

// normalize turns driver specific values into the plain Go values the
// rest of the pipeline infers schemas from.
func normalize(v any) any {
	switch v := v.(type) {
	case *big.Int:
		if v.IsInt64() {
			return v.Int64()
		}
		return v.String()
	case duckdb.Decimal:
		return v.Float64()
	case duckdb.Interval:
		return fmt.Sprintf("%d months %d days %d us", v.Months, v.Days, v.Micros)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func (d *DuckDB) Close() error {
	return multierr.Append(d.db.Close(), os.RemoveAll(d.dir))
}
