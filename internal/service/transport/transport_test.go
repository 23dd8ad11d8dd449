package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"testing/iotest"
	"time"

	"visiongate/internal/logger"
	"visiongate/internal/model"
)

func startServer(t *testing.T, opts ServerOptions, handler HandlerFunc) *Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv := NewServer(opts, handler, logger.Nop())
	go srv.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	for srv.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return srv
}

func echoUpper(_ context.Context, payload []byte) ([]byte, error) {
	return bytes.ToUpper(payload), nil
}

func TestReceive_ReadsUntilEOF(t *testing.T) {
	payload := bytes.Repeat([]byte("abc"), 5000)

	got, err := Receive(iotest.OneByteReader(bytes.NewReader(payload)), 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected %d bytes, got %d", len(payload), len(got))
	}
}

func TestReceive_Empty(t *testing.T) {
	_, err := Receive(bytes.NewReader(nil), 0)
	if !errors.Is(err, model.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestReceive_TooLarge(t *testing.T) {
	_, err := Receive(bytes.NewReader(make([]byte, 3*ChunkSize)), 2*ChunkSize)
	if !errors.Is(err, model.ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, model.ErrConnectionRefused},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, model.ErrPeerReset},
		{"broken pipe", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, model.ErrPeerReset},
		{"deadline", &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, model.ErrTimeout},
		{"context", context.DeadlineExceeded, model.ErrTimeout},
		{"already classified", model.ErrEmptyResponse, model.ErrEmptyResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("Classify(%v) = %v, expected %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExchange_RoundTrip(t *testing.T) {
	srv := startServer(t, ServerOptions{MaxPayload: 1 << 20, MaxConns: 4, IOTimeout: time.Second}, echoUpper)
	client := NewClient(srv.Addr().String(), time.Second, 1<<20)

	payload := bytes.Repeat([]byte("image-bytes-"), 2000)
	reply, err := client.Exchange(context.Background(), payload)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if !bytes.Equal(reply, bytes.ToUpper(payload)) {
		t.Error("Reply does not match transformed payload")
	}

	if served, _ := srv.Stats(); served != 1 {
		t.Errorf("Expected 1 served connection, got %d", served)
	}
}

func TestExchange_EmptyRequestGetsNoData(t *testing.T) {
	srv := startServer(t, ServerOptions{MaxConns: 1, IOTimeout: time.Second}, echoUpper)
	client := NewClient(srv.Addr().String(), time.Second, 0)

	_, err := client.Exchange(context.Background(), nil)
	if !errors.Is(err, model.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestExchange_HandlerFailureClosesWithoutReply(t *testing.T) {
	srv := startServer(t, ServerOptions{MaxConns: 1, IOTimeout: time.Second}, func(context.Context, []byte) ([]byte, error) {
		return nil, model.ErrDecode
	})
	client := NewClient(srv.Addr().String(), time.Second, 0)

	_, err := client.Exchange(context.Background(), []byte("not an image"))
	if !errors.Is(err, model.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
	if _, failed := srv.Stats(); failed != 1 {
		t.Errorf("Expected 1 failed connection, got %d", failed)
	}
}

func TestExchange_HandlerPanicDoesNotStopServer(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := startServer(t, ServerOptions{MaxConns: 1, IOTimeout: time.Second}, func(_ context.Context, p []byte) ([]byte, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("model exploded")
		}
		return p, nil
	})
	client := NewClient(srv.Addr().String(), time.Second, 0)

	if _, err := client.Exchange(context.Background(), []byte("x")); !errors.Is(err, model.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse after panic, got %v", err)
	}
	if reply, err := client.Exchange(context.Background(), []byte("y")); err != nil || string(reply) != "y" {
		t.Errorf("Server should keep serving after a panic: reply=%q err=%v", reply, err)
	}
}

func TestExchange_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	client := NewClient(addr, time.Second, 0)
	_, err = client.Exchange(context.Background(), []byte("x"))
	if !errors.Is(err, model.ErrConnectionRefused) {
		t.Errorf("Expected ErrConnectionRefused, got %v", err)
	}
}

func TestExchange_Timeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer l.Close()

	// Accepts but never replies.
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	client := NewClient(l.Addr().String(), 100*time.Millisecond, 0)
	start := time.Now()
	_, err = client.Exchange(context.Background(), []byte("x"))
	if !errors.Is(err, model.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Exchange took %s, expected to honour the deadline", elapsed)
	}
}

func TestServer_AcceptsConcurrently(t *testing.T) {
	const n = 3
	var wg sync.WaitGroup
	wg.Add(n)
	release := make(chan struct{})

	srv := startServer(t, ServerOptions{MaxConns: n, IOTimeout: 2 * time.Second}, func(_ context.Context, p []byte) ([]byte, error) {
		wg.Done()
		<-release
		return p, nil
	})

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			client := NewClient(srv.Addr().String(), 2*time.Second, 0)
			_, err := client.Exchange(context.Background(), []byte("frame"))
			errs <- err
		}()
	}

	allIn := make(chan struct{})
	go func() {
		wg.Wait()
		close(allIn)
	}()
	select {
	case <-allIn:
	case <-time.After(time.Second):
		t.Fatal("Handlers did not run concurrently")
	}
	close(release)

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Exchange failed: %v", err)
		}
	}
}
