package pool

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	fperrors "github.com/lieyan666/FireProxy/pkg/errors"
	"github.com/lieyan666/FireProxy/pkg/logger"
)

func testLogger() *logger.Logger {
	logger.Init(logger.ErrorLevel, "text")
	return logger.Get()
}

// startAcceptor runs a TCP server that accepts and holds connections
func startAcceptor(t *testing.T) (int, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	stop := func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}
	return ln.Addr().(*net.TCPAddr).Port, stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestAcquireRelease(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     4,
		InitialPoolSize: 2,
	}, testLogger())
	defer p.Close()

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	s := p.Stats()
	if s.ActiveConnections != 1 {
		t.Errorf("expected 1 active connection, got %d", s.ActiveConnections)
	}

	p.Release(conn)

	s = p.Stats()
	if s.ActiveConnections != 0 {
		t.Errorf("expected 0 active after release, got %d", s.ActiveConnections)
	}
	if s.ActiveConnections+s.IdleConnections != s.PoolSize {
		t.Errorf("active+idle != total: %+v", s)
	}
}

func TestPrewarmReachesInitialSize(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     8,
		InitialPoolSize: 3,
	}, testLogger())
	defer p.Close()

	if !waitFor(t, 2*time.Second, func() bool { return p.Stats().PoolSize == 3 }) {
		t.Errorf("prewarm did not reach initial size: %+v", p.Stats())
	}
	if p.Stats().TotalDialed < 3 {
		t.Errorf("expected at least 3 dials, got %d", p.Stats().TotalDialed)
	}
}

func TestAcquireTimeoutWhenSaturated(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     1,
		InitialPoolSize: 1,
		AcquireTimeout:  300 * time.Millisecond,
	}, testLogger())
	defer p.Close()

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer p.Release(conn)

	start := time.Now()
	_, err = p.Acquire()
	if !errors.Is(err, fperrors.ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("acquire gave up too early: %s", elapsed)
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     1,
		InitialPoolSize: 1,
		AcquireTimeout:  2 * time.Second,
	}, testLogger())
	defer p.Close()

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		p.Release(conn)
	}()

	got, err := p.Acquire()
	if err != nil {
		t.Fatalf("waiting Acquire failed: %v", err)
	}
	if got != conn {
		t.Error("waiter should receive the released connection")
	}
	p.Release(got)
}

func TestDiscardRemovesConnection(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     1,
		InitialPoolSize: 1,
	}, testLogger())
	defer p.Close()

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p.Discard(conn)

	s := p.Stats()
	if s.PoolSize != 0 {
		t.Errorf("expected empty pool after discard, got %+v", s)
	}
	if s.Errors == 0 {
		t.Error("discard should count as an error")
	}
}

func TestPoolGrowsToMaxThenRefuses(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	max := 3
	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     max,
		InitialPoolSize: 1,
		AcquireTimeout:  200 * time.Millisecond,
	}, testLogger())
	defer p.Close()

	var held []*net.TCPConn
	for i := 0; i < max; i++ {
		conn, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		held = append(held, conn)
	}

	if s := p.Stats(); s.PoolSize > max {
		t.Errorf("pool exceeded max: %+v", s)
	}

	if _, err := p.Acquire(); !errors.Is(err, fperrors.ErrPoolUnavailable) {
		t.Errorf("expected ErrPoolUnavailable at max, got %v", err)
	}

	for _, conn := range held {
		p.Release(conn)
	}
}

func TestPoolShrinksWhenIdle(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     4,
		InitialPoolSize: 4,
		ScaleDownStep:   1,
		MonitorInterval: 50 * time.Millisecond,
		ScaleInterval:   50 * time.Millisecond,
	}, testLogger())
	defer p.Close()

	if !waitFor(t, 2*time.Second, func() bool { return p.Stats().PoolSize == 4 }) {
		t.Fatalf("prewarm incomplete: %+v", p.Stats())
	}

	// Everything idle: the monitor shrinks one per tick down to min
	if !waitFor(t, 3*time.Second, func() bool { return p.Stats().PoolSize == 1 }) {
		t.Errorf("pool did not shrink to min: %+v", p.Stats())
	}
	if p.Stats().PoolScales == 0 {
		t.Error("shrinking should count scale events")
	}
}

func TestIdleCleanupEvictsOldConnections(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     4,
		InitialPoolSize: 3,
		IdleTimeout:     100 * time.Millisecond,
		CleanupInterval: 50 * time.Millisecond,
		// Keep the scaler quiet so only cleanup runs
		MonitorInterval: time.Hour,
	}, testLogger())
	defer p.Close()

	if !waitFor(t, 2*time.Second, func() bool { return p.Stats().PoolSize == 3 }) {
		t.Fatalf("prewarm incomplete: %+v", p.Stats())
	}

	if !waitFor(t, 2*time.Second, func() bool { return p.Stats().PoolSize == 1 }) {
		t.Errorf("idle cleanup did not evict stale connections: %+v", p.Stats())
	}
}

func TestDialFailureFallsToWaiter(t *testing.T) {
	// Reserve a port with no listener behind it
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewPool("127.0.0.1", deadPort, Config{
		MinPoolSize:     1,
		MaxPoolSize:     2,
		InitialPoolSize: 1,
		ConnectTimeout:  200 * time.Millisecond,
		AcquireTimeout:  300 * time.Millisecond,
	}, testLogger())
	defer p.Close()

	start := time.Now()
	_, err = p.Acquire()
	if !errors.Is(err, fperrors.ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable against dead upstream, got %v", err)
	}
	// The waiter queue must still drain within its own timeout
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("acquire took too long to give up: %s", elapsed)
	}
	if p.Stats().Errors == 0 {
		t.Error("dial failures should be counted")
	}
}

func TestCloseResolvesWaitersAndIsIdempotent(t *testing.T) {
	port, stop := startAcceptor(t)
	defer stop()

	p := NewPool("127.0.0.1", port, Config{
		MinPoolSize:     1,
		MaxPoolSize:     1,
		InitialPoolSize: 1,
		AcquireTimeout:  5 * time.Second,
	}, testLogger())

	conn, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = conn

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire()
		waiterErr <- err
	}()

	// Give the waiter time to enqueue, then close underneath it
	time.Sleep(100 * time.Millisecond)
	p.Close()

	select {
	case err := <-waiterErr:
		if !errors.Is(err, fperrors.ErrPoolUnavailable) {
			t.Errorf("expected ErrPoolUnavailable for waiter on close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not resolved by Close")
	}

	// Second close is a no-op
	p.Close()

	if _, err := p.Acquire(); !errors.Is(err, fperrors.ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after close, got %v", err)
	}
}
