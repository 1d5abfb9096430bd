package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
)

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("events"), kgo.AllowAutoTopicCreation())
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()
	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "events", Value: []byte(`{"message":"hello","level":"info"}`)}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	consume := func(want string) {
		t.Helper()
		out := make(chan event.Event)
		adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"events"}, GroupID: "chroniclesink-it"}, out, nil)
		if err != nil {
			t.Fatalf("new adapter: %v", err)
		}
		consumeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- adapter.Run(consumeCtx) }()

		select {
		case e := <-out:
			if v, _ := e.Get(event.MessageKey); v != want {
				t.Fatalf("expected %q, got %v", want, v)
			}
			finalize.Resolve(e.TakeFinalizers(), finalize.StatusDelivered)
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("run: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("adapter did not stop")
		}
	}

	// The first run commits its record once delivered, so a new member of
	// the group starts after it.
	consume("hello")
	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "events", Value: []byte(`{"message":"second"}`)}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}
	consume("second")
}
