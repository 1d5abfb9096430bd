// Package kafka consumes records with franz-go and feeds them to the sink,
// committing each offset only after its event reached a terminal status.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
	"chroniclesink/internal/ingest"
)

const commitTimeout = 10 * time.Second

type Config struct {
	Enabled        bool        `mapstructure:"enabled"`
	Brokers        []string    `mapstructure:"brokers"`
	Topics         []string    `mapstructure:"topics"`
	GroupID        string      `mapstructure:"group_id"`
	ClientID       string      `mapstructure:"client_id"`
	MaxPollRecords int         `mapstructure:"max_poll_records"`
	QueueCapacity  int         `mapstructure:"queue_capacity"`
	Auth           AuthConfig  `mapstructure:"auth"`
	Fetch          FetchConfig `mapstructure:"fetch"`

	// Fields the record's metadata is written to. An empty name skips it.
	KeyField       string `mapstructure:"key_field"`
	TopicField     string `mapstructure:"topic_field"`
	PartitionField string `mapstructure:"partition_field"`
	OffsetField    string `mapstructure:"offset_field"`
}

type AuthConfig struct {
	SASL SASLConfig `mapstructure:"sasl"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchConfig struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type Adapter struct {
	cfg    Config
	client *kgo.Client
	out    chan<- event.Event
	logger *slog.Logger

	offsets *offsetTracker
	acks    chan recordAck
	pending sync.WaitGroup

	pauseMux sync.Mutex
	paused   bool

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record  *kgo.Record
	aborted bool
}

func NewAdapter(cfg Config, out chan<- event.Event, logger *slog.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := newAdapter(cfg, out, logger)

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			a.offsets.forget(revoked)
		}),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		kopts = append(kopts, kgo.SASL(saslMechanism(cfg.Auth.SASL)))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, out chan<- event.Event, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		out:     out,
		logger:  logger.With("component", "kafka_source"),
		offsets: newOffsetTracker(),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
}

func saslMechanism(c SASLConfig) sasl.Mechanism {
	switch strings.ToUpper(c.Mechanism) {
	case "SCRAM-SHA-256":
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha256Mechanism()
	case "SCRAM-SHA-512":
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha512Mechanism()
	default:
		return plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism()
	}
}

func (c *Config) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Auth.SASL.Mechanism == "" {
		c.Auth.SASL.Mechanism = "PLAIN"
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("sources.kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("sources.kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("sources.kafka.group_id is required")
	}
	if c.Auth.SASL.Enabled {
		switch strings.ToUpper(c.Auth.SASL.Mechanism) {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("unsupported sasl mechanism %q", c.Auth.SASL.Mechanism)
		}
		if c.Auth.SASL.Username == "" {
			return errors.New("sources.kafka.auth.sasl.username is required")
		}
	}
	return nil
}

// Run consumes until ctx is done. It then waits for the status of every
// emitted record and commits what finished before closing the client.
func (a *Adapter) Run(ctx context.Context) error {
	defer a.client.Close()
	ackDone := make(chan struct{})
	go func() {
		defer close(ackDone)
		a.handleAcks()
	}()

	for ctx.Err() == nil {
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			break
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Warn("kafka fetch failed", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			a.handleRecord(ctx, rec)
		})
		a.client.AllowRebalance()
	}

	a.pending.Wait()
	close(a.acks)
	<-ackDone
	return nil
}

// handleRecord emits one record as one event with its own notifier. A
// record that cannot be decoded is acknowledged without entering the
// pipeline.
func (a *Adapter) handleRecord(ctx context.Context, rec *kgo.Record) {
	a.offsets.add(rec)
	notifier, status := finalize.NewBatchNotifier()
	aborted := false
	e, err := a.decode(rec)
	if err != nil {
		a.logger.Warn("skipping undecodable record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
	} else {
		aborted = !ingest.Emit(ctx, a.out, e.WithFinalizer(notifier.NewFinalizer()))
	}
	notifier.Seal()

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		<-status
		a.acks <- recordAck{record: rec, aborted: aborted || notifier.Errored()}
	}()
	a.maybePause()
}

// handleAcks commits offsets as statuses arrive. Delivered and Rejected
// are both final. A record whose delivery was never attempted is left
// uncommitted so it is consumed again.
func (a *Adapter) handleAcks() {
	for ack := range a.acks {
		if ack.aborted {
			a.offsets.block(ack.record)
			a.maybeResume()
			continue
		}
		if rec := a.offsets.complete(ack.record); rec != nil {
			a.markCommit(rec)
			ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
			if err := a.commitMarked(ctx); err != nil {
				a.logger.Error("failed to commit offsets", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			}
			cancel()
		}
		a.maybeResume()
	}
}

func (a *Adapter) decode(rec *kgo.Record) (event.Event, error) {
	e, err := ingest.DecodePayload(rec.Value, rec.Timestamp)
	if err != nil {
		return event.Event{}, err
	}
	if a.cfg.KeyField != "" && len(rec.Key) > 0 {
		e.Insert(a.cfg.KeyField, string(rec.Key))
	}
	if a.cfg.TopicField != "" {
		e.Insert(a.cfg.TopicField, rec.Topic)
	}
	if a.cfg.PartitionField != "" {
		e.Insert(a.cfg.PartitionField, int64(rec.Partition))
	}
	if a.cfg.OffsetField != "" {
		e.Insert(a.cfg.OffsetField, rec.Offset)
	}
	return e, nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if a.offsets.inflight() < a.cfg.QueueCapacity {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if a.offsets.inflight() > a.cfg.QueueCapacity/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
