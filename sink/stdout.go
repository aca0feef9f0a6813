package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"iceflow/pipeline"
)

type StdoutConfig struct {
	// Pretty indents every record over several lines.
	Pretty bool `yaml:"pretty"`
	// Watermarks prints watermarks as they pass.
	Watermarks bool `yaml:"watermarks"`
}

// Stdout writes every record as a JSON line and acknowledges the batch
// once it is written.
type Stdout struct {
	name string
	cfg  StdoutConfig
	w    io.Writer
}

// NewStdout writes to w, or to standard output when w is nil.
func NewStdout(name string, cfg StdoutConfig, w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{name: name, cfg: cfg, w: w}
}

func (s *Stdout) Name() string {
	return s.name
}

func (s *Stdout) Run(ctx context.Context, in pipeline.Receiver) error {
	bw := bufio.NewWriter(s.w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if s.cfg.Pretty {
		enc.SetIndent("", "  ")
	}

	err := pipeline.Each(ctx, in, func(msg pipeline.Message) error {
		switch msg := msg.(type) {
		case pipeline.Batch:
			for _, r := range msg.Records {
				if err := enc.Encode(r); err != nil {
					return fmt.Errorf("writing record: %w", err)
				}
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			msg.Ack()
		case pipeline.Watermark:
			if s.cfg.Watermarks {
				fmt.Fprintf(bw, "watermark=%s\n", msg.Time.UTC().Format(time.RFC3339Nano))
			}
		}
		return nil
	})
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	return err
}
