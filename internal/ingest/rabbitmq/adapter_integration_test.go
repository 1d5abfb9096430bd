package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
)

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	cleanup := func() { _ = c.Terminate(ctx) }
	return url, cleanup
}

func publish(t *testing.T, ch *amqp091.Channel, exchange, key string, body []byte) {
	t.Helper()
	if err := ch.PublishWithContext(context.Background(), exchange, key, false, false, amqp091.Publishing{ContentType: "application/json", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func openChannel(t *testing.T, url string) (*amqp091.Connection, *amqp091.Channel) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("channel: %v", err)
	}
	return conn, ch
}

func TestAdapterIntegration_AckRejectAndDrop(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	out := make(chan event.Event)
	seen := make(chan string, 8)
	go func() {
		for e := range out {
			msg, _ := e.Get(event.MessageKey)
			seen <- fmt.Sprint(msg)
			status := finalize.StatusDelivered
			if msg == "reject me" {
				status = finalize.StatusRejected
			}
			finalize.Resolve(e.TakeFinalizers(), status)
		}
	}()

	cfg := Config{Enabled: true, URL: url, Exchange: "chroniclesink.logs", Queue: "chroniclesink.ingest", RoutingKeys: []string{"logs.*"}, ConsumerTag: "chroniclesink-it", PrefetchCount: 2, Workers: 2, DeliveryQueue: 32, Parser: ParserConfig{Format: FormatJSON}}
	adapter, err := NewAdapter(cfg, out, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	publish(t, ch, cfg.Exchange, "logs.web", []byte(`{"message":"hello"}`))
	publish(t, ch, cfg.Exchange, "logs.web", []byte(`{"message":"reject me"}`))
	publish(t, ch, cfg.Exchange, "logs.web", []byte(`{"message":`))

	got := map[string]bool{}
	deadline := time.After(8 * time.Second)
	for len(got) < 2 {
		select {
		case m := <-seen:
			got[m] = true
		case <-deadline:
			t.Fatalf("expected two events, got %v", got)
		}
	}
	if !got["hello"] || !got["reject me"] {
		t.Fatalf("unexpected events %v", got)
	}

	if err := adapter.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	verify, err := ch.Consume(cfg.Queue, "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case d := <-verify:
		_ = d.Nack(false, true)
		t.Fatalf("expected queue to be empty, got %q", d.Body)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestAdapterIntegration_BackpressurePrefetchOne(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	out := make(chan event.Event)
	held := make(chan event.Event, 2)
	go func() {
		for e := range out {
			held <- e
		}
	}()
	cfg := Config{Enabled: true, URL: url, Exchange: "chroniclesink.logs2", Queue: "chroniclesink.prefetch", RoutingKeys: []string{"logs.prefetch"}, ConsumerTag: "chroniclesink-prefetch", PrefetchCount: 1, Workers: 1, DeliveryQueue: 1}
	adapter, err := NewAdapter(cfg, out, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	publish(t, ch, cfg.Exchange, "logs.prefetch", []byte("one"))
	publish(t, ch, cfg.Exchange, "logs.prefetch", []byte("two"))

	var first event.Event
	select {
	case first = <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}
	time.Sleep(400 * time.Millisecond)
	if got := len(held); got != 0 {
		t.Fatalf("expected only one inflight delivery with prefetch=1, got %d more", got)
	}
	finalize.Resolve(first.TakeFinalizers(), finalize.StatusDelivered)
	select {
	case second := <-held:
		finalize.Resolve(second.TakeFinalizers(), finalize.StatusDelivered)
	case <-time.After(5 * time.Second):
		t.Fatal("expected second delivery after first ack")
	}
}
