package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"iceflow/pipeline"
)

const DefaultBatchRows = 1000

type FileConfig struct {
	// Path is a file name or a glob pattern.
	Path string `yaml:"path"`
	// Format is csv, json or ndjson. Empty picks it from the extension.
	Format    string `yaml:"format"`
	HasHeader bool   `yaml:"has_header"`
	Delimiter string `yaml:"delimiter"`
	// InferTypes turns numeric and boolean CSV cells into numbers and
	// bools, and empty cells into nulls. Otherwise every cell is text.
	InferTypes bool `yaml:"infer_types"`
	BatchRows  int  `yaml:"batch_rows"`
}

// File reads every file matched by a glob, in name order, and emits
// their records in batches of BatchRows. It returns once the last file
// is read, which ends the stream.
type File struct {
	name   string
	cfg    FileConfig
	comma  rune
	logger *slog.Logger
}

func NewFile(name string, cfg FileConfig, logger *slog.Logger) (*File, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file source %q: path is required", name)
	}
	if _, err := filepath.Match(cfg.Path, ""); err != nil {
		return nil, fmt.Errorf("file source %q: bad pattern %q: %w", name, cfg.Path, err)
	}
	switch cfg.Format {
	case "", "csv", "json", "ndjson":
	default:
		return nil, fmt.Errorf("file source %q: unknown format %q", name, cfg.Format)
	}
	comma := ','
	if cfg.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(cfg.Delimiter)
		if size != len(cfg.Delimiter) {
			return nil, fmt.Errorf("file source %q: delimiter must be a single character", name)
		}
		comma = r
	}
	if cfg.BatchRows <= 0 {
		cfg.BatchRows = DefaultBatchRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{name: name, cfg: cfg, comma: comma, logger: logger.With("stage", name)}, nil
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Run(ctx context.Context, out pipeline.Emitter) error {
	paths, err := filepath.Glob(f.cfg.Path)
	if err != nil {
		return fmt.Errorf("matching %s: %w", f.cfg.Path, err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files matched: %s", f.cfg.Path)
	}
	sort.Strings(paths)

	b := newBatcher(out, f.cfg.BatchRows)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.readFile(ctx, p, b)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		f.logger.Info("file read", "path", p, "records", n)
	}
	return b.flush(ctx)
}

func (f *File) format(path string) string {
	if f.cfg.Format != "" {
		return f.cfg.Format
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return "csv"
	case ".ndjson", ".jsonl":
		return "ndjson"
	}
	return "json"
}

func (f *File) readFile(ctx context.Context, path string, b *batcher) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	switch f.format(path) {
	case "csv":
		return f.readCSV(ctx, r, b)
	case "ndjson":
		return f.readLines(ctx, r, b)
	}
	return readJSON(ctx, r, b)
}

func (f *File) readCSV(ctx context.Context, r io.Reader, b *batcher) (int, error) {
	cr := csv.NewReader(r)
	cr.Comma = f.comma
	cr.FieldsPerRecord = -1

	var headers []string
	if f.cfg.HasHeader {
		h, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading header: %w", err)
		}
		if len(h) > 0 {
			h[0] = strings.TrimPrefix(h[0], "\uFEFF")
		}
		headers = h
	}

	n := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			line, _ := cr.FieldPos(0)
			f.logger.Warn("skipping malformed csv row", "line", line, "error", err)
			continue
		}

		rec := make(pipeline.Record, len(row))
		for i, cell := range row {
			rec[columnName(headers, i)] = f.cell(cell)
		}
		if err := b.add(ctx, rec); err != nil {
			return n, err
		}
		n++
	}
}

// columnName falls back to col_<i> for files without a header and for
// cells beyond the header's width.
func columnName(headers []string, i int) string {
	if i < len(headers) && headers[i] != "" {
		return headers[i]
	}
	return "col_" + strconv.Itoa(i)
}

func (f *File) cell(s string) any {
	if !f.cfg.InferTypes {
		return s
	}
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil && json.Valid([]byte(s)) {
		return json.Number(s)
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// readLines reads one JSON document per line. Lines that do not parse
// are logged and skipped.
func (f *File) readLines(ctx context.Context, r *bufio.Reader, b *batcher) (int, error) {
	n := 0
	for line := 1; ; line++ {
		data, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(data)) > 0 {
			recs, derr := DecodeJSON(data)
			if derr != nil {
				f.logger.Warn("skipping malformed line", "line", line, "error", derr)
			}
			for _, rec := range recs {
				if err := b.add(ctx, rec); err != nil {
					return n, err
				}
				n++
			}
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// readJSON streams a file holding a top level array of objects, or any
// number of concatenated objects.
func readJSON(ctx context.Context, r io.Reader, b *batcher) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	n := 0
	emit := func() error {
		var rec pipeline.Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("record %d: %w", n+1, err)
		}
		if rec == nil {
			return nil
		}
		n++
		return b.add(ctx, rec)
	}

	for {
		tok, err := peekDelim(dec)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if tok != '[' {
			if err := emit(); err != nil {
				return n, err
			}
			continue
		}
		if _, err := dec.Token(); err != nil {
			return n, err
		}
		for dec.More() {
			if err := emit(); err != nil {
				return n, err
			}
		}
		if _, err := dec.Token(); err != nil {
			return n, err
		}
	}
}

// peekDelim reports the first byte of the next value without consuming
// it, or io.EOF when the input is exhausted.
func peekDelim(dec *json.Decoder) (byte, error) {
	if !dec.More() {
		return 0, io.EOF
	}
	r := dec.Buffered().(io.ByteReader)
	for {
		c, err := r.ReadByte()
		if err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c, nil
	}
}

// batcher groups records into batches of a fixed size.
type batcher struct {
	out  pipeline.Emitter
	size int
	buf  []pipeline.Record
	acks []func()
}

func newBatcher(out pipeline.Emitter, size int) *batcher {
	return &batcher{out: out, size: size}
}

func (b *batcher) add(ctx context.Context, rec pipeline.Record, acks ...func()) error {
	b.buf = append(b.buf, rec)
	b.acks = append(b.acks, acks...)
	if len(b.buf) >= b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if len(b.buf) == 0 && len(b.acks) == 0 {
		return nil
	}
	batch := pipeline.NewBatch(b.buf, b.acks...)
	b.buf, b.acks = nil, nil
	return b.out.Emit(ctx, batch)
}
