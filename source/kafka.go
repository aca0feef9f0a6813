package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"gopkg.in/yaml.v3"

	"iceflow/pipeline"
	"iceflow/retry"
)

// Brokers accepts either a list or a single comma separated string.
type Brokers []string

func (b *Brokers) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*b = nil
		for _, s := range strings.Split(value.Value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				*b = append(*b, s)
			}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*b = list
		return nil
	}
	return fmt.Errorf("line %d: brokers must be a string or a list", value.Line)
}

type KafkaConfig struct {
	Brokers Brokers `yaml:"brokers"`
	GroupID string  `yaml:"group_id"`
	Topic   string  `yaml:"topic"`
	// StartOffset is where a group without committed offsets begins:
	// earliest (the default) or latest.
	StartOffset string `yaml:"start_offset"`
	BatchRows   int    `yaml:"batch_rows"`
	// PollTimeout bounds one poll; an empty poll is not an error.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// Encoding names the payload decoder, json by default.
	Encoding string `yaml:"encoding"`
	// StopAtEnd ends the stream at the first poll that returns nothing.
	StopAtEnd bool `yaml:"stop_at_end"`
	// Metadata adds _topic, _partition, _offset, _key and _timestamp to
	// every record.
	Metadata bool `yaml:"metadata"`
	// WatermarkInterval, when set, emits a watermark at most this often,
	// which makes downstream sinks flush what they buffered.
	WatermarkInterval time.Duration `yaml:"watermark_interval"`
	// IORetries bounds consecutive failed polls before the source gives
	// up.
	IORetries int `yaml:"io_retries"`
}

const (
	defaultPollTimeout = time.Second
	commitTimeout      = 10 * time.Second
)

// kafkaClient is the part of *kgo.Client the source uses.
type kafkaClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Kafka consumes one topic as part of a consumer group. Offsets are only
// committed for records whose batch was acknowledged downstream, so a
// crash replays everything that was not yet durable.
type Kafka struct {
	name    string
	cfg     KafkaConfig
	decode  Decoder
	policy  retry.Policy
	logger  *slog.Logger
	dial    func() (kafkaClient, error)
	now     func() time.Time
	mu      sync.Mutex
	client  kafkaClient
	pending []*kgo.Record
}

func NewKafka(name string, cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source %q: brokers are required", name)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source %q: topic is required", name)
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka source %q: group_id is required", name)
	}
	switch cfg.StartOffset {
	case "", "earliest", "latest":
	default:
		return nil, fmt.Errorf("kafka source %q: start_offset must be earliest or latest", name)
	}
	decode, err := LookupDecoder(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("kafka source %q: %w", name, err)
	}
	if cfg.BatchRows <= 0 {
		cfg.BatchRows = DefaultBatchRows
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy := retry.DefaultPolicy()
	if cfg.IORetries > 0 {
		policy.MaxRetries = cfg.IORetries
	}
	k := &Kafka{
		name:   name,
		cfg:    cfg,
		decode: decode,
		policy: policy,
		logger: logger.With("stage", name, "topic", cfg.Topic),
		now:    time.Now,
	}
	k.dial = k.newClient
	return k, nil
}

func (k *Kafka) Name() string {
	return k.name
}

func (k *Kafka) newClient() (kafkaClient, error) {
	reset := kgo.NewOffset().AtStart()
	if k.cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}
	return kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ConsumerGroup(k.cfg.GroupID),
		kgo.ConsumeTopics(k.cfg.Topic),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			k.logger.Info("partitions revoked", "partitions", revoked)
			k.commitPending(ctx)
		}),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			k.logger.Info("partitions assigned", "partitions", assigned)
		}),
	)
}

func (k *Kafka) Run(ctx context.Context, out pipeline.Emitter) error {
	client, err := k.dial()
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	k.mu.Lock()
	k.client = client
	k.mu.Unlock()

	failures := 0
	lastWatermark := k.now()
	for {
		k.commitPending(ctx)

		pollCtx, cancel := context.WithTimeout(ctx, k.cfg.PollTimeout)
		fetches := client.PollRecords(pollCtx, k.cfg.BatchRows)
		cancel()

		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fetchError(fetches); err != nil {
			failures++
			if failures > k.policy.MaxRetries {
				return fmt.Errorf("polling %s: %w", k.cfg.Topic, retry.Transient(err))
			}
			wait := k.policy.Backoff(failures)
			k.logger.Warn("poll failed, retrying", "error", err, "attempt", failures, "wait", wait)
			if err := retry.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		failures = 0

		polled := fetches.Records()
		if len(polled) == 0 && k.cfg.StopAtEnd {
			k.logger.Info("reached end of topic")
			return nil
		}
		if len(polled) > 0 {
			batch := pipeline.NewBatch(k.records(polled), k.ack(polled))
			if err := out.Emit(ctx, batch); err != nil {
				return err
			}
		}

		if k.cfg.WatermarkInterval > 0 && k.now().Sub(lastWatermark) >= k.cfg.WatermarkInterval {
			lastWatermark = k.now()
			if err := out.Emit(ctx, pipeline.Watermark{Time: lastWatermark}); err != nil {
				return err
			}
		}
	}
}

// fetchError returns the first fetch error that is not the poll timeout.
func fetchError(f kgo.Fetches) error {
	for _, fe := range f.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return fmt.Errorf("topic %s partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	return nil
}

// records decodes the payloads of polled. Payloads that do not decode
// are logged and dropped; their offsets are still committed with the
// batch.
func (k *Kafka) records(polled []*kgo.Record) []pipeline.Record {
	out := make([]pipeline.Record, 0, len(polled))
	for _, r := range polled {
		recs, err := k.decode(r.Value)
		if err != nil {
			k.logger.Warn("dropping undecodable message",
				"partition", r.Partition, "offset", r.Offset, "error", err)
			continue
		}
		for _, rec := range recs {
			if k.cfg.Metadata {
				rec["_topic"] = r.Topic
				rec["_partition"] = int64(r.Partition)
				rec["_offset"] = r.Offset
				rec["_key"] = string(r.Key)
				rec["_timestamp"] = r.Timestamp.UTC()
			}
			out = append(out, rec)
		}
	}
	return out
}

// ack queues polled for the next offset commit. Acks arrive in delivery
// order, so committing the highest offset per partition is safe.
func (k *Kafka) ack(polled []*kgo.Record) func() {
	return func() {
		k.mu.Lock()
		k.pending = append(k.pending, polled...)
		k.mu.Unlock()
	}
}

// commitPending commits the offsets of acknowledged records. A failed
// commit is logged and the records are kept for the next attempt.
func (k *Kafka) commitPending(ctx context.Context) {
	k.mu.Lock()
	client, pending := k.client, k.pending
	k.pending = nil
	k.mu.Unlock()
	if client == nil || len(pending) == 0 {
		return
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := client.CommitRecords(commitCtx, pending...); err != nil {
		k.logger.Warn("committing offsets", "records", len(pending), "error", err)
		k.mu.Lock()
		k.pending = append(pending, k.pending...)
		k.mu.Unlock()
		return
	}
	k.logger.Debug("committed offsets", "records", len(pending))
}

// Close commits the offsets acknowledged after Run returned and closes
// the client.
func (k *Kafka) Close() error {
	k.commitPending(context.Background())
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	return nil
}
