package kafkasink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"chroniclesink/internal/batch"
	"chroniclesink/internal/codec"
	"chroniclesink/internal/delivery"
	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
	"chroniclesink/internal/request"
	"chroniclesink/internal/sink"
)

type stubWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error
	closed bool
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.msgs)
	s.msgs = append(s.msgs, msgs...)
	if n < len(s.errs) {
		return s.errs[n]
	}
	return nil
}

func (s *stubWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSendWritesOneMessagePerRequest(t *testing.T) {
	w := &stubWriter{}
	tr := &Transport{writer: w}
	req := &request.Request{ID: "r1", Key: "orders", Payload: []byte("a\nb"), ContentEncoding: "zstd", Metadata: request.Metadata{EventCount: 2}}
	if _, err := tr.Send(context.Background(), req); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "orders" || string(m.Value) != "a\nb" || string(m.Key) != "r1" {
		t.Fatalf("message = %+v", m)
	}
	if header(m, HeaderEventCount) != "2" || header(m, HeaderContentEncoding) != "zstd" || header(m, HeaderRequestID) != "r1" {
		t.Fatalf("headers = %+v", m.Headers)
	}
}

func TestRetryLogic(t *testing.T) {
	cases := []struct {
		err  error
		want delivery.Outcome
	}{
		{nil, delivery.Delivered},
		{kafka.LeaderNotAvailable, delivery.Retriable},
		{kafka.RequestTimedOut, delivery.Retriable},
		{kafka.TopicAuthorizationFailed, delivery.Rejected},
		{kafka.MessageTooLargeError{}, delivery.Rejected},
		{kafka.WriteErrors{nil, kafka.NotEnoughReplicas}, delivery.Retriable},
		{kafka.WriteErrors{kafka.NotEnoughReplicas, kafka.TopicAuthorizationFailed}, delivery.Rejected},
		{errors.New("dial tcp: connection refused"), delivery.Retriable},
		{context.Canceled, delivery.Rejected},
	}
	for _, c := range cases {
		if got := (RetryLogic{}).Classify(delivery.Response{}, c.err); got != c.want {
			t.Fatalf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{Brokers: []string{"localhost:9092"}, Topic: "logs-{{ service }}", Encoding: codec.Config{Codec: codec.CodecJSON}}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid: %v", err)
	}
	for name, mutate := range map[string]func(*Config){
		"brokers":     func(c *Config) { c.Brokers = nil },
		"topic":       func(c *Config) { c.Topic = "" },
		"template":    func(c *Config) { c.Topic = "{{ }}" },
		"compression": func(c *Config) { c.Compression = "rar" },
	} {
		c := good
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDriverRoutesByTopicTemplate(t *testing.T) {
	w := &stubWriter{errs: []error{kafka.LeaderNotAvailable}}
	cfg := Config{
		Brokers:  []string{"unused:9092"},
		Topic:    "logs-{{ service }}",
		Batch:    batch.Settings{MaxEvents: 10, Timeout: time.Hour},
		Request:  delivery.Settings{RetryInitialBackoff: time.Millisecond, RetryMaxBackoff: time.Millisecond},
		Encoding: codec.Config{Codec: codec.CodecJSON, OnlyFields: []string{"message"}},
	}
	d, err := Build(cfg, &Transport{writer: w}, sink.BuildContext{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	n, status := finalize.NewBatchNotifier()
	events := make(chan event.Event, 3)
	for _, svc := range []string{"api", "api", "db"} {
		e := event.NewLog(map[string]any{"service": svc, "message": "hi " + svc})
		events <- e.WithFinalizer(n.NewFinalizer())
	}
	n.Seal()
	close(events)
	if err := d.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if s := <-status; s != finalize.BatchDelivered {
		t.Fatalf("status = %v", s)
	}
	if !w.closed {
		t.Fatal("writer not closed after run")
	}

	byTopic := map[string]string{}
	for _, m := range w.msgs {
		byTopic[m.Topic] = string(m.Value)
	}
	if got := byTopic["logs-api"]; got != `{"message":"hi api"}`+"\n"+`{"message":"hi api"}` {
		t.Fatalf("logs-api = %q", got)
	}
	if got := byTopic["logs-db"]; !strings.Contains(got, "hi db") {
		t.Fatalf("logs-db = %q", got)
	}
	if len(w.msgs) != 3 {
		t.Fatalf("messages written = %d, want 3 including one retry", len(w.msgs))
	}
}
