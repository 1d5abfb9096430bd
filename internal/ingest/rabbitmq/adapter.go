// Package rabbitmq consumes an AMQP queue with manual acknowledgement and
// acks each delivery according to its event's final status.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"

	"chroniclesink/internal/clock"
	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
	"chroniclesink/internal/ingest"
)

// Body formats.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	Enabled       bool         `mapstructure:"enabled"`
	URL           string       `mapstructure:"url"`
	Endpoints     []string     `mapstructure:"endpoints"`
	Exchange      string       `mapstructure:"exchange"`
	Queue         string       `mapstructure:"queue"`
	RoutingKeys   []string     `mapstructure:"routing_keys"`
	ConsumerTag   string       `mapstructure:"consumer_tag"`
	PrefetchCount int          `mapstructure:"prefetch_count"`
	TLS           TLSConfig    `mapstructure:"tls"`
	Auth          AuthConfig   `mapstructure:"auth"`
	Parser        ParserConfig `mapstructure:"parser"`
	Workers       int          `mapstructure:"workers"`
	DeliveryQueue int          `mapstructure:"delivery_queue"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ParserConfig controls how bodies become events. Fields left empty are
// not written.
type ParserConfig struct {
	Format          string `mapstructure:"format"`
	RoutingKeyField string `mapstructure:"routing_key_field"`
	ExchangeField   string `mapstructure:"exchange_field"`
}

type Adapter struct {
	cfg      Config
	out      chan<- event.Event
	clock    clock.Clock
	logger   *slog.Logger
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	readerWG sync.WaitGroup
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "chroniclesink-rabbitmq"
	}
	if c.PrefetchCount == 0 {
		c.PrefetchCount = 64
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.DeliveryQueue == 0 {
		c.DeliveryQueue = 64
	}
	if c.Parser.Format == "" {
		c.Parser.Format = FormatAuto
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	switch c.Parser.Format {
	case FormatAuto, FormatJSON, FormatText:
	default:
		return fmt.Errorf("rabbitmq parser format %q is not supported", c.Parser.Format)
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, out chan<- event.Event, clk clock.Clock, logger *slog.Logger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("event channel is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		out:    out,
		clock:  clk,
		logger: logger.With("component", "rabbitmq_source"),
		closed: make(chan struct{}),
		ops:    make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

// Run consumes until ctx is done, then waits for in-flight deliveries to
// be acknowledged and closes the connection.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Close()
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.logger.Info("rabbitmq source consuming", "queue", a.cfg.Queue, "exchange", a.cfg.Exchange)

	a.readerWG.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop()
	}
	return nil
}

// Close stops consuming and waits for queued deliveries to be settled.
func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.readerWG.Wait()
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

// readLoop is the only sender on ops and closes it when it stops.
func (a *Adapter) readLoop(ctx context.Context) {
	defer a.readerWG.Done()
	defer close(a.ops)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return
			case <-a.closed:
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

func (a *Adapter) workerLoop() {
	defer a.wg.Done()
	for task := range a.ops {
		a.processDelivery(task.ctx, task.delivery)
	}
}

// processDelivery emits the delivery as one event and settles it once
// the event is final: Delivered acks, Rejected nacks without requeue.
// A delivery that never entered the pipeline, or that the sink dropped
// without attempting, is requeued.
func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	e, err := a.parseDelivery(d)
	if err != nil {
		a.logger.Warn("dropping undecodable delivery", "delivery_tag", d.DeliveryTag, "error", err)
		_ = d.Nack(false, false)
		return
	}
	notifier, status := finalize.NewBatchNotifier()
	admitted := ingest.Emit(ctx, a.out, e.WithFinalizer(notifier.NewFinalizer()))
	notifier.Seal()

	switch st := <-status; {
	case st == finalize.BatchDelivered:
		_ = d.Ack(false)
	case !admitted || notifier.Errored():
		_ = d.Nack(false, true)
	default:
		_ = d.Nack(false, false)
	}
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) (event.Event, error) {
	received := d.Timestamp
	if received.IsZero() {
		received = a.clock.Now()
	}
	var (
		e   event.Event
		err error
	)
	switch a.cfg.Parser.Format {
	case FormatText:
		if len(strings.TrimSpace(string(d.Body))) == 0 {
			return event.Event{}, ingest.ErrEmptyPayload
		}
		e = event.NewMessage(string(d.Body), received)
	case FormatJSON:
		e, err = ingest.DecodeJSON(d.Body, received)
	default:
		e, err = ingest.DecodePayload(d.Body, received)
	}
	if err != nil {
		return event.Event{}, err
	}
	if a.cfg.Parser.RoutingKeyField != "" {
		e.Insert(a.cfg.Parser.RoutingKeyField, d.RoutingKey)
	}
	if a.cfg.Parser.ExchangeField != "" {
		e.Insert(a.cfg.Parser.ExchangeField, d.Exchange)
	}
	return e, nil
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
