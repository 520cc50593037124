package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdougie/remaster/internal/logging"
)

type countingService struct {
	runs atomic.Int32
}

func (c *countingService) Serve(ctx context.Context) error {
	c.runs.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return "counting" }

func TestTreeRunsServices(t *testing.T) {
	tree := NewTree(logging.Discard(), TreeConfig{ShutdownTimeout: time.Second})
	worker, api := &countingService{}, &countingService{}
	tree.AddWorker(worker)
	tree.AddAPI(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tree.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for worker.runs.Load() == 0 || api.runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("services did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestHTTPServiceServesAndShutsDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})}
	svc := NewHTTPService(srv, l.Addr().String(), time.Second)
	svc.listen = func(string, string) (net.Listener, error) { return l, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	resp, err := http.Get("http://" + l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("body = %q", body)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve = %v", err)
	}
	if svc.String() != "http-server" {
		t.Errorf("String = %q", svc.String())
	}
}

func TestHTTPServiceListenError(t *testing.T) {
	svc := NewHTTPService(&http.Server{}, "bad", 0)
	svc.listen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }
	if err := svc.Serve(context.Background()); err == nil {
		t.Error("expected listen error")
	}
}
