package p2p

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func testConfiguration() Configuration {
	cfg := DefaultConfiguration()
	cfg.MaxMessageLength = 4096
	cfg.ReadBufferMin = 256
	cfg.EnablePrometheus = false
	return cfg
}

// pipeConnections wraps a net.Pipe() pair as two accepted Connections, so
// tests can exercise the framing/dispatch pipeline without a real socket.
func pipeConnections(t *testing.T, cfg Configuration) (*Connection, *Connection) {
	t.Helper()
	p1, p2 := net.Pipe()
	c1 := newAcceptedConnection(p1, "pipe-1", cfg, BinaryCodec{})
	c2 := newAcceptedConnection(p2, "pipe-2", cfg, BinaryCodec{})
	c1.Open()
	c2.Open()
	return c1, c2
}

func TestConnectionFrameOrdering(t *testing.T) {
	cfg := testConfiguration()
	c1, c2 := pipeConnections(t, cfg)
	defer c1.Close()
	defer c2.Close()

	const count = 50
	var mu sync.Mutex
	var received []string
	done := make(chan struct{})
	c2.OnMessage(func(msg Message, raw *LazyRaw) {
		status := msg.(*Status)
		mu.Lock()
		received = append(received, fmt.Sprintf("%d", status.LastIrreversibleBlockNumber))
		n := len(received)
		mu.Unlock()
		if n == count {
			close(done)
		}
	})

	for i := 0; i < count; i++ {
		c1.Enqueue(&Status{LastIrreversibleBlockNumber: uint32(i)}, nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all frames to arrive")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != count {
		t.Fatalf("received %d frames, want %d", len(received), count)
	}
	for i, v := range received {
		if v != fmt.Sprintf("%d", i) {
			t.Fatalf("frames arrived out of order: position %d has %q", i, v)
		}
	}
}

func TestConnectionLazyRawMaterializeMatchesWire(t *testing.T) {
	cfg := testConfiguration()
	c1, c2 := pipeConnections(t, cfg)
	defer c1.Close()
	defer c2.Close()

	codec := BinaryCodec{}
	msg := &Status{LastIrreversibleBlockNumber: 7}
	want, err := codec.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	done := make(chan []byte, 1)
	c2.OnMessage(func(_ Message, raw *LazyRaw) {
		done <- raw.Materialize()
	})
	c1.Enqueue(msg, nil)

	select {
	case got := <-done:
		if string(got) != string(want) {
			t.Errorf("Materialize() = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnectionOversizedFrameTearsDownWithFramingError(t *testing.T) {
	cfg := testConfiguration()
	cfg.MaxMessageLength = 8
	c1, c2 := pipeConnections(t, cfg)
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan *ConnectionError, 1)
	c2.OnError(func(err *ConnectionError) { errCh <- err })

	payload := make([]byte, 100)
	c1.EnqueueRaw(payload, nil)

	select {
	case err := <-errCh:
		if err.Kind != ErrFramingError {
			t.Errorf("err.Kind = %v, want ErrFramingError", err.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for framing error")
	}
}

func TestConnectionDisconnectFiresOnceOnClose(t *testing.T) {
	cfg := testConfiguration()
	c1, c2 := pipeConnections(t, cfg)
	defer c2.Close()

	var count int32
	var mu sync.Mutex
	c1.OnDisconnected(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	c1.Close()
	c1.Close() // must be idempotent, per I-CONN-1

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("on_disconnected fired %d times across two Close calls, want 1", count)
	}
}

func TestConnectionCloseDuringBackoffDoesNotDoubleFireDisconnect(t *testing.T) {
	cfg := testConfiguration()
	cfg.BackoffBase = 50 * time.Millisecond
	cfg.BackoffMax = 200 * time.Millisecond
	cfg.DialTimeout = 100 * time.Millisecond

	conn := NewConnection("127.0.0.1:1", cfg, BinaryCodec{})

	var count int32
	var mu sync.Mutex
	conn.OnDisconnected(func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	conn.Open()
	time.Sleep(20 * time.Millisecond) // dial fails fast, connection never reaches "connected"
	conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("on_disconnected fired %d times for a connection that never connected, want 0", count)
	}
}

func TestConnectionBackoffRetriesAndStopsOnClose(t *testing.T) {
	cfg := testConfiguration()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 30 * time.Millisecond
	cfg.BackoffExponentCap = 2
	cfg.DialTimeout = 50 * time.Millisecond

	conn := NewConnection("127.0.0.1:1", cfg, BinaryCodec{})

	var errCount int32
	var mu sync.Mutex
	conn.OnError(func(*ConnectionError) {
		mu.Lock()
		errCount++
		mu.Unlock()
	})

	conn.Open()
	time.Sleep(150 * time.Millisecond)
	conn.Close()

	mu.Lock()
	got := errCount
	mu.Unlock()
	if got < 2 {
		t.Errorf("observed %d connect errors in 150ms of backoff, want at least 2", got)
	}

	// Close must cancel the pending reconnect timer: no further errors
	// should arrive after Close returns.
	mu.Lock()
	afterClose := errCount
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if errCount != afterClose {
		t.Errorf("errors kept arriving after Close: %d before, %d after", afterClose, errCount)
	}
}

func TestEnqueueAfterCloseInvokesCallbackWithError(t *testing.T) {
	cfg := testConfiguration()
	c1, c2 := pipeConnections(t, cfg)
	c2.Close()
	c1.Close()

	done := make(chan error, 1)
	c1.Enqueue(&Subscribe{}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err == nil {
			t.Error("Enqueue after Close should fail, got nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked for Enqueue after Close")
	}
}
