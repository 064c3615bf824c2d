package forward

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	fperrors "github.com/lieyan666/FireProxy/pkg/errors"
	"github.com/lieyan666/FireProxy/pkg/logger"
	"github.com/lieyan666/FireProxy/pkg/pool"
	"github.com/lieyan666/FireProxy/pkg/stats"
)

const (
	// clientKeepAlive is applied to every accepted client socket
	clientKeepAlive = 15 * time.Second

	// clientBufferHint is the high-water-mark hint for client sockets
	clientBufferHint = 128 * 1024

	// drainTimeout bounds how long a finished pair waits for the
	// upstream-to-client direction to unwind before forcing teardown
	drainTimeout = 5 * time.Second
)

// TCPForwarder accepts TCP connections on one local port and splices
// each one against an upstream socket acquired from its pool. The pool
// may be shared with other forwarders of the same rule; its lifetime is
// owned by the RuleSet, not the forwarder.
type TCPForwarder struct {
	id         string
	localHost  string
	localPort  int
	targetHost string
	targetPort int
	pool       *pool.Pool
	log        *logger.Logger

	ln      *net.TCPListener
	bindErr error

	totalConns  atomic.Uint64
	activeConns atomic.Int64
	errors      atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewTCPForwarder creates a forwarder bound later by Start
func NewTCPForwarder(id, localHost string, localPort int, targetHost string, targetPort int, pl *pool.Pool, log *logger.Logger) *TCPForwarder {
	return &TCPForwarder{
		id:         id,
		localHost:  localHost,
		localPort:  localPort,
		targetHost: targetHost,
		targetPort: targetPort,
		pool:       pl,
		log:        log.With("proxy", id),
		stopped:    make(chan struct{}),
	}
}

// ID returns the registry identifier
func (f *TCPForwarder) ID() string {
	return f.id
}

// Addr returns the bound listener address, or nil before Start or
// after a bind failure
func (f *TCPForwarder) Addr() net.Addr {
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// Start binds the local port and launches the accept loop. A bind
// failure is recorded on the forwarder and returned; the caller decides
// whether to keep the instance registered.
func (f *TCPForwarder) Start() error {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(f.localHost, fmt.Sprintf("%d", f.localPort)))
	if err != nil {
		f.bindErr = fmt.Errorf("%w: %v", fperrors.ErrBindFailed, err)
		f.errors.Add(1)
		return f.bindErr
	}

	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		f.bindErr = fmt.Errorf("%w: %v", fperrors.ErrBindFailed, err)
		f.errors.Add(1)
		return f.bindErr
	}
	f.ln = ln

	f.log.InfoWith("tcp forwarder listening",
		"localPort", f.localPort,
		"targetHost", f.targetHost,
		"targetPort", f.targetPort)

	go f.acceptLoop()
	return nil
}

func (f *TCPForwarder) acceptLoop() {
	for {
		client, err := f.ln.AcceptTCP()
		if err != nil {
			select {
			case <-f.stopped:
				return
			default:
			}
			f.errors.Add(1)
			f.log.WarnWith("accept failed", "error", err)
			continue
		}
		go f.handle(client)
	}
}

// handle runs one accepted client: tune, acquire an upstream from the
// pool, splice until either side closes.
func (f *TCPForwarder) handle(client *net.TCPConn) {
	f.totalConns.Add(1)
	f.activeConns.Add(1)
	defer f.activeConns.Add(-1)

	client.SetKeepAlive(true)
	client.SetKeepAlivePeriod(clientKeepAlive)
	client.SetNoDelay(true)
	client.SetReadBuffer(clientBufferHint)
	client.SetWriteBuffer(clientBufferHint)

	f.log.TraceWith("client accepted", "remote", client.RemoteAddr().String())

	upstream, err := f.pool.Acquire()
	if err != nil {
		f.errors.Add(1)
		f.log.DebugWith("dropping client, no upstream", "remote", client.RemoteAddr().String(), "error", err)
		client.Close()
		return
	}

	f.splice(client, upstream)
}

// splice copies bytes in both directions until one side closes, then
// applies the teardown policy: a clean client close releases the
// upstream back to the pool, an upstream close or any error discards
// the upstream and closes the client. io.Copy between *net.TCPConn
// values uses the kernel splice path on Linux, so no user-space queue
// forms and backpressure propagates through the socket buffers.
func (f *TCPForwarder) splice(client, upstream *net.TCPConn) {
	clientDone := make(chan error, 1)
	upstreamDone := make(chan error, 1)

	go func() {
		_, err := io.Copy(upstream, client)
		clientDone <- err
	}()
	go func() {
		_, err := io.Copy(client, upstream)
		upstreamDone <- err
	}()

	select {
	case err := <-clientDone:
		if err != nil {
			// Read error on the client or write error toward the
			// upstream: the pair state is unknown, tear both down.
			f.errors.Add(1)
			client.Close()
			f.pool.Discard(upstream)
			<-upstreamDone
			return
		}

		// Client closed cleanly. Unwind the reverse direction without
		// closing the upstream so it can go back to the pool: a read
		// deadline stops its blocked read, a write deadline bounds a
		// stalled flush toward the dead client.
		drainDeadline := time.Now().Add(drainTimeout)
		upstream.SetReadDeadline(time.Now())
		client.SetWriteDeadline(drainDeadline)
		err = <-upstreamDone
		client.Close()

		// io.Copy reports either deadline as a writeto/readfrom timeout,
		// so the read deadline is told apart by time: the client write
		// deadline cannot fire before drainDeadline.
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Timeout() && time.Now().Before(drainDeadline) {
			upstream.SetReadDeadline(time.Time{})
			f.pool.Release(upstream)
			return
		}
		// The upstream reached EOF or errored in the meantime; it must
		// not be reused.
		if err != nil {
			f.errors.Add(1)
		}
		f.pool.Discard(upstream)

	case err := <-upstreamDone:
		// Upstream EOF/error, or a write error toward the client.
		// Either way the upstream leaves the pool and the client goes.
		if err != nil {
			f.errors.Add(1)
		}
		client.Close()
		f.pool.Discard(upstream)
		<-clientDone
	}
}

// Snapshot merges the forwarder counters with its pool's view
func (f *TCPForwarder) Snapshot() stats.Snapshot {
	ps := f.pool.Stats()
	return stats.Snapshot{
		ID:                f.id,
		Protocol:          "tcp",
		LocalHost:         f.localHost,
		LocalPort:         f.localPort,
		TargetHost:        f.targetHost,
		TargetPort:        f.targetPort,
		TotalConnections:  f.totalConns.Load(),
		ActiveConnections: f.activeConns.Load(),
		Reconnects:        ps.Reconnects,
		PoolSize:          ps.PoolSize,
		IdleConnections:   ps.IdleConnections,
		WaitingQueueSize:  ps.WaitingQueueSize,
		PoolScales:        ps.PoolScales,
		Errors:            f.errors.Load() + ps.Errors,
	}
}

// Stop closes the listener. In-flight splices finish or die with their
// peers; the shared pool is closed by the owning RuleSet. Stop is
// idempotent.
func (f *TCPForwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)
		if f.ln != nil {
			f.ln.Close()
		}
		f.log.InfoWith("tcp forwarder stopped", "localPort", f.localPort)
	})
}
