// Package kafkasink delivers batches to Kafka, one message per request,
// using the partition key as the topic.
package kafkasink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"chroniclesink/internal/batch"
	"chroniclesink/internal/codec"
	"chroniclesink/internal/compression"
	"chroniclesink/internal/delivery"
	"chroniclesink/internal/partition"
	"chroniclesink/internal/request"
	"chroniclesink/internal/sink"
)

const Kind = "kafka"

// Header names set on every message.
const (
	HeaderRequestID       = "request_id"
	HeaderContentEncoding = "content_encoding"
	HeaderEventCount      = "event_count"
)

type Config struct {
	Brokers     []string          `mapstructure:"brokers"`
	Topic       string            `mapstructure:"topic"`
	Batch       batch.Settings    `mapstructure:"batch"`
	Request     delivery.Settings `mapstructure:"request"`
	Encoding    codec.Config      `mapstructure:"encoding"`
	Compression string            `mapstructure:"compression"`
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if _, err := partition.ParseTemplate(c.Topic); err != nil {
		return fmt.Errorf("kafka: topic: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if err := c.Request.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if err := c.Encoding.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	if _, err := compression.Parse(c.Compression); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport writes each request as a single message. The writer does
// not retry; retries belong to the delivery service.
type Transport struct {
	writer messageWriter
}

func NewTransport(brokers []string) *Transport {
	return &Transport{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  1,
	}}
}

func (t *Transport) Send(ctx context.Context, req *request.Request) (delivery.Response, error) {
	msg := kafka.Message{
		Topic: req.Key,
		Key:   []byte(req.ID),
		Value: req.Payload,
		Headers: []kafka.Header{
			{Key: HeaderRequestID, Value: []byte(req.ID)},
			{Key: HeaderEventCount, Value: []byte(fmt.Sprint(req.Metadata.EventCount))},
		},
	}
	if req.ContentEncoding != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderContentEncoding, Value: []byte(req.ContentEncoding)})
	}
	return delivery.Response{}, t.writer.WriteMessages(ctx, msg)
}

func (t *Transport) Close() error { return t.writer.Close() }

// RetryLogic retries temporary broker errors and network failures and
// rejects everything else the broker refuses.
type RetryLogic struct{}

func (RetryLogic) Classify(_ delivery.Response, err error) delivery.Outcome {
	if err == nil {
		return delivery.Delivered
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		outcome := delivery.Delivered
		for _, e := range writeErrs {
			if e == nil {
				continue
			}
			switch classifyOne(e) {
			case delivery.Rejected:
				return delivery.Rejected
			case delivery.Retriable:
				outcome = delivery.Retriable
			}
		}
		return outcome
	}
	return classifyOne(err)
}

func classifyOne(err error) delivery.Outcome {
	if errors.Is(err, context.Canceled) {
		return delivery.Rejected
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return delivery.Rejected
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if kerr.Temporary() || kerr.Timeout() {
			return delivery.Retriable
		}
		return delivery.Rejected
	}
	// Network failures, timeouts and anything unrecognised are transient.
	return delivery.Retriable
}

// Healthcheck dials the first reachable broker and, when the topic is
// static, reads its partitions.
func Healthcheck(brokers []string, topic *partition.Template) sink.Healthcheck {
	return func(ctx context.Context) error {
		var dialer kafka.Dialer
		var lastErr error
		for _, broker := range brokers {
			conn, err := dialer.DialContext(ctx, "tcp", broker)
			if err != nil {
				lastErr = err
				continue
			}
			defer conn.Close()
			if topic.IsDynamic() {
				_, err = conn.Brokers()
			} else {
				_, err = conn.ReadPartitions(topic.String())
			}
			return err
		}
		return fmt.Errorf("kafka: no broker reachable: %w", lastErr)
	}
}

func Factory(_ context.Context, bc sink.BuildContext) (*sink.Driver, sink.Healthcheck, error) {
	cfg := Config{Encoding: codec.Config{Codec: codec.CodecJSON}}
	if err := bc.Decode(&cfg); err != nil {
		return nil, nil, fmt.Errorf("kafka: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	d, err := Build(cfg, NewTransport(cfg.Brokers), bc)
	if err != nil {
		return nil, nil, err
	}
	tmpl, _ := partition.ParseTemplate(cfg.Topic)
	return d, Healthcheck(cfg.Brokers, tmpl), nil
}

// Build assembles the driver around transport. Events are encoded with
// the configured codec and joined with newlines.
func Build(cfg Config, transport delivery.Transport, bc sink.BuildContext) (*sink.Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := partition.ParseTemplate(cfg.Topic)
	if err != nil {
		return nil, err
	}
	comp, err := compression.Parse(cfg.Compression)
	if err != nil {
		return nil, err
	}
	enc, err := cfg.Encoding.Encoder()
	if err != nil {
		return nil, err
	}
	transformer, err := cfg.Encoding.Transformer()
	if err != nil {
		return nil, err
	}
	return sink.NewDriver(sink.Components{
		Name:        Kind,
		Partitioner: partition.NewKeyPartitioner(tmpl),
		Batch:       cfg.Batch,
		Builder: request.Builder{
			Encoder: request.EventEncoder{
				Transformer: transformer,
				Codec:       enc,
				Separator:   []byte("\n"),
			},
			Compression: comp,
		},
		Transport:       transport,
		RetryLogic:      RetryLogic{},
		Request:         cfg.Request,
		RequestDefaults: delivery.Defaults(),
	}, bc)
}
