package socket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"chroniclesink/internal/codec"
	"chroniclesink/internal/event"
	"chroniclesink/internal/finalize"
)

func startTestServer(t *testing.T, cfg Config, out chan event.Event) (*Server, string, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg.Network, cfg.Address = "tcp", "127.0.0.1:0"
	s := NewServer(cfg, out, nil, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr, cancel, done
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	t.Fatal("server not started")
	return nil, "", nil, nil
}

// resolveAll consumes out, records each event and resolves it with
// status(event).
func resolveAll(out <-chan event.Event, status func(event.Event) finalize.EventStatus) (*[]event.Event, *sync.Mutex) {
	var mu sync.Mutex
	var seen []event.Event
	go func() {
		for e := range out {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
			finalize.Resolve(e.TakeFinalizers(), status(e))
		}
	}()
	return &seen, &mu
}

func delivered(event.Event) finalize.EventStatus { return finalize.StatusDelivered }

func ingestRequest(id string, messages ...string) *SocketRequest {
	events := make([]*Event, 0, len(messages))
	for _, m := range messages {
		events = append(events, &Event{Message: m, Fields: []*Field{{Key: "stream", Value: "s1"}}})
	}
	return &SocketRequest{RequestId: id, AuthToken: "secret", Operation: int32(OperationIngest), Ingest: &IngestRequest{Events: events}}
}

func request(t *testing.T, addr string, req *SocketRequest) *SocketResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := DialAndRequest(ctx, "tcp", addr, req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestIngestAcceptedAfterDelivery(t *testing.T) {
	out := make(chan event.Event)
	seen, mu := resolveAll(out, delivered)
	_, addr, cancel, _ := startTestServer(t, Config{AuthToken: "secret"}, out)
	defer cancel()

	resp := request(t, addr, ingestRequest("a1", "one", "two"))
	if resp.ErrorCode != int32(ErrorCodeOK) || resp.Ingest == nil || !resp.Ingest.Accepted {
		t.Fatalf("bad response: %+v", resp)
	}
	if resp.RequestId != "a1" || resp.Ingest.EventCount != 2 || resp.Ingest.Status != "delivered" {
		t.Fatalf("bad ingest response: %+v", resp.Ingest)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*seen) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*seen))
	}
	for i, want := range []string{"one", "two"} {
		if v, _ := (*seen)[i].Get(event.MessageKey); v != want {
			t.Fatalf("event %d message %v", i, v)
		}
		if v, _ := (*seen)[i].Get("stream"); v != "s1" {
			t.Fatalf("event %d stream %v", i, v)
		}
	}
}

func TestIngestNotAcceptedWhenAnyEventRejected(t *testing.T) {
	out := make(chan event.Event)
	resolveAll(out, func(e event.Event) finalize.EventStatus {
		if v, _ := e.Get(event.MessageKey); v == "bad" {
			return finalize.StatusRejected
		}
		return finalize.StatusDelivered
	})
	_, addr, cancel, _ := startTestServer(t, Config{AuthToken: "secret"}, out)
	defer cancel()

	resp := request(t, addr, ingestRequest("r1", "good", "bad"))
	if resp.ErrorCode != int32(ErrorCodeOK) || resp.Ingest == nil || resp.Ingest.Accepted {
		t.Fatalf("expected rejected ingest, got %+v", resp)
	}
	if resp.Ingest.Status != "rejected" {
		t.Fatalf("status %q", resp.Ingest.Status)
	}
}

func TestIngestGELF(t *testing.T) {
	out := make(chan event.Event)
	seen, mu := resolveAll(out, delivered)
	_, addr, cancel, _ := startTestServer(t, Config{}, out)
	defer cancel()

	frame := []byte(`{"version":"1.1","host":"example.org","short_message":"A short message","level":5,"_user_id":9001}`)
	resp := request(t, addr, &SocketRequest{RequestId: "g1", Operation: int32(OperationIngestGELF), Ingest: &IngestRequest{Gelf: [][]byte{frame}}})
	if resp.Ingest == nil || !resp.Ingest.Accepted {
		t.Fatalf("bad response: %+v", resp)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*seen) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*seen))
	}
	if v, _ := (*seen)[0].Get(event.MessageKey); v != "A short message" {
		t.Fatalf("message %v", v)
	}

	bad := request(t, addr, &SocketRequest{RequestId: "g2", Operation: int32(OperationIngestGELF), Ingest: &IngestRequest{Gelf: [][]byte{[]byte(`{"version":"1.0"}`)}}})
	if bad.ErrorCode != int32(ErrorCodeBadRequest) {
		t.Fatalf("expected bad request, got %+v", bad)
	}
}

func TestRejectsInvalidAuthToken(t *testing.T) {
	out := make(chan event.Event)
	resolveAll(out, delivered)
	_, addr, cancel, _ := startTestServer(t, Config{AuthToken: "secret"}, out)
	defer cancel()

	req := ingestRequest("x", "m")
	req.AuthToken = "wrong"
	resp := request(t, addr, req)
	if resp.ErrorCode != int32(ErrorCodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %+v", resp)
	}
}

func TestIngestResultWaitsForWriterRoom(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil)
	conn := &connection{writerQ: make(chan *SocketResponse, 1), done: make(chan struct{})}
	s.send(conn, &SocketResponse{RequestId: "busy"})

	sent := make(chan struct{})
	go func() {
		s.sendVerdict(conn, &SocketResponse{RequestId: "verdict", Ingest: &IngestResponse{Accepted: true}})
		close(sent)
	}()
	select {
	case <-sent:
		t.Fatal("ingest result must wait while the write queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	if got := <-conn.writerQ; got.RequestId != "busy" {
		t.Fatalf("first response = %q", got.RequestId)
	}
	select {
	case got := <-conn.writerQ:
		if got.RequestId != "verdict" || !got.Ingest.Accepted {
			t.Fatalf("unexpected response %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ingest result was dropped")
	}
	<-sent
}

func TestIngestResultGivesUpWhenWriterStops(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil)
	conn := &connection{writerQ: make(chan *SocketResponse), done: make(chan struct{})}
	close(conn.done)

	sent := make(chan struct{})
	go func() {
		s.sendVerdict(conn, &SocketResponse{RequestId: "late"})
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("ingest result blocked after the writer stopped")
	}
}

func TestPingAndHealth(t *testing.T) {
	out := make(chan event.Event)
	_, addr, cancel, _ := startTestServer(t, Config{}, out)
	defer cancel()

	pong := request(t, addr, &SocketRequest{RequestId: "p", Operation: int32(OperationPing)})
	if pong.Pong == nil || pong.Pong.UnixTimeNs == 0 {
		t.Fatalf("bad pong: %+v", pong)
	}
	health := request(t, addr, &SocketRequest{RequestId: "h", Operation: int32(OperationHealth)})
	if health.Health == nil || !health.Health.Ok {
		t.Fatalf("bad health: %+v", health)
	}
}

func TestInflightLimitRespondsOverloaded(t *testing.T) {
	out := make(chan event.Event)
	held := make(chan event.Event, 1)
	go func() {
		for e := range out {
			held <- e
		}
	}()
	_, addr, cancel, _ := startTestServer(t, Config{MaxInflight: 1}, out)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	write := func(req *SocketRequest) {
		payload, err := MarshalMessage(req)
		if err != nil {
			t.Fatal(err)
		}
		if err := codec.WriteFrame(conn, payload); err != nil {
			t.Fatal(err)
		}
	}
	read := func() *SocketResponse {
		frame, err := codec.ReadFrame(r)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := UnmarshalResponse(frame)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	write(ingestRequest("first", "m1"))
	first := <-held
	write(ingestRequest("second", "m2"))
	if resp := read(); resp.RequestId != "second" || !Retryable(resp.ErrorCode) {
		t.Fatalf("expected overloaded second request, got %+v", resp)
	}

	finalize.Resolve(first.TakeFinalizers(), finalize.StatusDelivered)
	if resp := read(); resp.RequestId != "first" || resp.Ingest == nil || !resp.Ingest.Accepted {
		t.Fatalf("expected accepted first request, got %+v", resp)
	}
}

func TestShutdownResolvesUnsentEventsErrored(t *testing.T) {
	out := make(chan event.Event)
	_, addr, cancel, done := startTestServer(t, Config{}, out)
	go func() {
		e := <-out
		finalize.Resolve(e.TakeFinalizers(), finalize.StatusDelivered)
		cancel()
	}()

	resp := request(t, addr, ingestRequest("s1", "taken", "left behind"))
	if resp.Ingest == nil || resp.Ingest.Accepted {
		t.Fatalf("expected unaccepted ingest after shutdown, got %+v", resp)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestConcurrentLoad(t *testing.T) {
	out := make(chan event.Event)
	seen, mu := resolveAll(out, delivered)
	_, addr, cancel, _ := startTestServer(t, Config{AuthToken: "secret", GlobalQueueLimit: 2048}, out)
	defer cancel()

	const clients = 20
	const perClient = 20
	var wg sync.WaitGroup
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				id := fmt.Sprintf("%d-%d", c, j)
				resp, err := DialAndRequest(context.Background(), "tcp", addr, ingestRequest(id, id))
				if err != nil {
					errCh <- err
					return
				}
				if resp.Ingest == nil || !resp.Ingest.Accepted {
					errCh <- fmt.Errorf("request %s not accepted: %+v", id, resp)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(*seen) != clients*perClient {
		t.Fatalf("expected %d events, got %d", clients*perClient, len(*seen))
	}
}
