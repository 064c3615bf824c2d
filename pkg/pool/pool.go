package pool

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	fperrors "github.com/lieyan666/FireProxy/pkg/errors"
	"github.com/lieyan666/FireProxy/pkg/logger"
)

// Default configuration values
const (
	DefaultMinPoolSize        = 5
	DefaultMaxPoolSize        = 50
	DefaultInitialPoolSize    = 10
	DefaultScaleUpThreshold   = 0.80
	DefaultScaleDownThreshold = 0.30
	DefaultScaleUpStep        = 3
	DefaultScaleDownStep      = 1
	DefaultConnectTimeout     = 3 * time.Second
	DefaultKeepAliveInterval  = 15 * time.Second
	DefaultIdleTimeout        = 180 * time.Second
	DefaultScaleInterval      = 5 * time.Second
	DefaultSocketBuffer       = 128 * 1024
	DefaultMonitorInterval    = 10 * time.Second
	DefaultCleanupInterval    = 30 * time.Second
	DefaultAcquireTimeout     = 5 * time.Second
	DefaultWaiterMaxAge       = 10 * time.Second
)

// Config tunes one connection pool. Zero fields take their defaults.
type Config struct {
	MinPoolSize        int
	MaxPoolSize        int
	InitialPoolSize    int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleUpStep        int
	ScaleDownStep      int
	ConnectTimeout     time.Duration
	KeepAliveInterval  time.Duration
	IdleTimeout        time.Duration
	ScaleInterval      time.Duration
	SocketBuffer       int

	// Housekeeping cadences, overridable in tests
	MonitorInterval time.Duration
	CleanupInterval time.Duration
	AcquireTimeout  time.Duration
	WaiterMaxAge    time.Duration
}

// DefaultConfig returns the default pool configuration
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MinPoolSize == 0 {
		c.MinPoolSize = DefaultMinPoolSize
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.InitialPoolSize == 0 {
		c.InitialPoolSize = DefaultInitialPoolSize
	}
	if c.InitialPoolSize > c.MaxPoolSize {
		c.InitialPoolSize = c.MaxPoolSize
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = DefaultScaleUpThreshold
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = DefaultScaleDownThreshold
	}
	if c.ScaleUpStep == 0 {
		c.ScaleUpStep = DefaultScaleUpStep
	}
	if c.ScaleDownStep == 0 {
		c.ScaleDownStep = DefaultScaleDownStep
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ScaleInterval == 0 {
		c.ScaleInterval = DefaultScaleInterval
	}
	if c.SocketBuffer == 0 {
		c.SocketBuffer = DefaultSocketBuffer
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.WaiterMaxAge == 0 {
		c.WaiterMaxAge = DefaultWaiterMaxAge
	}
	return c
}

// pooledConn is one upstream socket plus its bookkeeping. Exclusively
// owned by the pool; lent out with idle=false until released.
type pooledConn struct {
	conn     *net.TCPConn
	created  time.Time
	lastUsed time.Time
	errors   int
	idle     bool
}

// waiter is an acquirer suspended on a saturated pool. done is guarded
// by the pool mutex; once set, ch holds the outcome (nil means give up).
type waiter struct {
	ch       chan *net.TCPConn
	enqueued time.Time
	done     bool
}

// Stats is a point-in-time view of one pool
type Stats struct {
	PoolSize          int
	ActiveConnections int
	IdleConnections   int
	WaitingQueueSize  int
	TotalDialed       uint64
	Reconnects        uint64
	Errors            uint64
	PoolScales        uint64
}

// Pool maintains a dynamic set of established TCP connections toward
// one (host, port). Acquire hands a socket out, Release returns it,
// Discard removes a failed one. Scaling and idle eviction run on
// background ticks.
type Pool struct {
	target string
	cfg    Config
	log    *logger.Logger

	mu        sync.Mutex
	conns     map[*net.TCPConn]*pooledConn
	waiters   []*waiter
	dialing   int
	scaling   bool
	lastScale time.Time
	closed    bool

	prewarmed   atomic.Bool
	totalDialed atomic.Uint64
	reconnects  atomic.Uint64
	errors      atomic.Uint64
	scales      atomic.Uint64

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a pool toward targetHost:targetPort, prewarms the
// initial connections in the background and starts the housekeeping
// loop.
func NewPool(targetHost string, targetPort int, cfg Config, log *logger.Logger) *Pool {
	p := &Pool{
		target: net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort)),
		cfg:    cfg.withDefaults(),
		log:    log.With("pool", net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))),
		conns:  make(map[*net.TCPConn]*pooledConn),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(2)
	go p.prewarm()
	go p.housekeeping()

	return p
}

// Target returns the upstream address this pool dials
func (p *Pool) Target() string {
	return p.target
}

// Acquire returns a ready upstream socket. Preference order: best idle
// connection, then a fresh dial while below MaxPoolSize, then a FIFO
// wait bounded by AcquireTimeout. A timeout or closed pool yields
// ErrPoolUnavailable / ErrPoolClosed; the caller must then drop its
// client connection.
func (p *Pool) Acquire() (*net.TCPConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fperrors.ErrPoolClosed
	}

	if pc := p.bestIdleLocked(); pc != nil {
		pc.idle = false
		pc.lastUsed = time.Now()
		p.mu.Unlock()
		return pc.conn, nil
	}

	if p.sizeLocked() < p.cfg.MaxPoolSize && !p.scaling {
		p.dialing++
		p.mu.Unlock()

		conn, err := p.dial()

		p.mu.Lock()
		p.dialing--
		if err == nil {
			if p.closed {
				p.mu.Unlock()
				conn.Close()
				return nil, fperrors.ErrPoolClosed
			}
			now := time.Now()
			p.conns[conn] = &pooledConn{conn: conn, created: now, lastUsed: now}
			p.mu.Unlock()
			return conn, nil
		}
		// Dial failed; fall through to the waiter queue so a release
		// by another caller can still satisfy this acquire.
	}

	w := &waiter{ch: make(chan *net.TCPConn, 1), enqueued: time.Now()}
	p.waiters = append(p.waiters, w)
	queued := len(p.waiters)
	p.mu.Unlock()

	p.log.TraceWith("acquire queued", "waiters", queued)

	select {
	case conn := <-w.ch:
		if conn == nil {
			return nil, fperrors.ErrPoolUnavailable
		}
		return conn, nil
	case <-time.After(p.cfg.AcquireTimeout):
		p.mu.Lock()
		if w.done {
			// Delivery raced the timeout; the socket is already in ch.
			p.mu.Unlock()
			if conn := <-w.ch; conn != nil {
				return conn, nil
			}
			return nil, fperrors.ErrPoolUnavailable
		}
		w.done = true
		p.removeWaiterLocked(w)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: acquire timed out after %s", fperrors.ErrPoolUnavailable, p.cfg.AcquireTimeout)
	}
}

// Release returns a lent connection. If a waiter is queued the socket
// is re-lent immediately with no idle gap.
func (p *Pool) Release(conn *net.TCPConn) {
	p.mu.Lock()
	pc, ok := p.conns[conn]
	if !ok || p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}

	pc.lastUsed = time.Now()
	if w := p.popWaiterLocked(); w != nil {
		pc.idle = false
		w.done = true
		w.ch <- conn
		p.mu.Unlock()
		return
	}

	pc.idle = true
	p.mu.Unlock()
}

// Discard removes a connection from the pool and closes it. Used when
// the upstream side closed or errored while lent out; such a socket is
// never released back.
func (p *Pool) Discard(conn *net.TCPConn) {
	p.mu.Lock()
	_, ok := p.conns[conn]
	if ok {
		delete(p.conns, conn)
	}
	p.mu.Unlock()

	conn.Close()
	if ok {
		p.errors.Add(1)
	}
}

// Stats returns a point-in-time view of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		PoolSize:         len(p.conns) + p.dialing,
		WaitingQueueSize: len(p.waiters),
	}
	for _, pc := range p.conns {
		if pc.idle {
			s.IdleConnections++
		} else {
			s.ActiveConnections++
		}
	}
	p.mu.Unlock()

	s.TotalDialed = p.totalDialed.Load()
	s.Reconnects = p.reconnects.Load()
	s.Errors = p.errors.Load()
	s.PoolScales = p.scales.Load()
	return s
}

// Close destroys the pool: outstanding waiters are resolved with the
// unavailable sentinel and every connection, idle or lent, is closed.
// Close is idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.closed = true
		waiters := p.waiters
		p.waiters = nil
		conns := make([]*net.TCPConn, 0, len(p.conns))
		for c := range p.conns {
			conns = append(conns, c)
		}
		p.conns = make(map[*net.TCPConn]*pooledConn)
		// ch is buffered, so resolving under the mutex never blocks
		for _, w := range waiters {
			if !w.done {
				w.done = true
				w.ch <- nil
			}
		}
		p.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}

		p.log.InfoWith("pool closed", "connectionsDestroyed", len(conns))
	})
	p.wg.Wait()
}

// bestIdleLocked picks the idle connection with the fewest errors,
// breaking ties toward the most recently created socket.
func (p *Pool) bestIdleLocked() *pooledConn {
	var best *pooledConn
	for _, pc := range p.conns {
		if !pc.idle {
			continue
		}
		if best == nil ||
			pc.errors < best.errors ||
			(pc.errors == best.errors && pc.created.After(best.created)) {
			best = pc
		}
	}
	return best
}

// sizeLocked counts established plus in-flight dials
func (p *Pool) sizeLocked() int {
	return len(p.conns) + p.dialing
}

func (p *Pool) popWaiterLocked() *waiter {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if !w.done {
			return w
		}
	}
	return nil
}

func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// dial opens one upstream socket with on-connect tuning: TCP_NODELAY,
// keep-alive at the configured interval, and best-effort socket buffer
// hints applied before connect.
func (p *Pool) dial() (*net.TCPConn, error) {
	d := net.Dialer{
		Timeout: p.cfg.ConnectTimeout,
		Control: socketBufferControl(p.cfg.SocketBuffer),
	}

	c, err := d.Dial("tcp", p.target)
	if err != nil {
		p.errors.Add(1)
		p.log.DebugWith("upstream dial failed", "error", err)
		return nil, fmt.Errorf("%w: %v", fperrors.ErrDialFailed, err)
	}

	tcp := c.(*net.TCPConn)
	tcp.SetNoDelay(true)
	tcp.SetKeepAlive(true)
	tcp.SetKeepAlivePeriod(p.cfg.KeepAliveInterval)

	p.totalDialed.Add(1)
	if p.prewarmed.Load() {
		p.reconnects.Add(1)
	}
	return tcp, nil
}

// prewarm establishes the initial connections in parallel. Individual
// dial failures are tolerated; whatever connected joins the pool idle.
func (p *Pool) prewarm() {
	defer p.wg.Done()

	var dialWG sync.WaitGroup
	results := make(chan *net.TCPConn, p.cfg.InitialPoolSize)
	for i := 0; i < p.cfg.InitialPoolSize; i++ {
		dialWG.Add(1)
		go func() {
			defer dialWG.Done()
			if conn, err := p.dial(); err == nil {
				results <- conn
			}
		}()
	}
	dialWG.Wait()
	close(results)

	warmed := 0
	for conn := range results {
		if !p.addIdle(conn) {
			conn.Close()
			continue
		}
		warmed++
	}

	p.prewarmed.Store(true)
	p.log.InfoWith("pool prewarmed", "connections", warmed, "requested", p.cfg.InitialPoolSize)
}

// addIdle inserts a freshly dialed socket, handing it straight to a
// queued waiter when one exists. Returns false if the pool is closed or
// already at capacity with nobody waiting.
func (p *Pool) addIdle(conn *net.TCPConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	w := p.popWaiterLocked()
	if w == nil && p.sizeLocked() >= p.cfg.MaxPoolSize {
		return false
	}

	now := time.Now()
	pc := &pooledConn{conn: conn, created: now, lastUsed: now, idle: true}
	p.conns[conn] = pc

	if w != nil {
		pc.idle = false
		w.done = true
		w.ch <- conn
	}
	return true
}

// housekeeping drives the scaling monitor and the idle cleanup on
// independent cadences until the pool closes.
func (p *Pool) housekeeping() {
	defer p.wg.Done()

	monitor := time.NewTicker(p.cfg.MonitorInterval)
	cleanup := time.NewTicker(p.cfg.CleanupInterval)
	defer monitor.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-monitor.C:
			p.monitorTick()
		case <-cleanup.C:
			p.cleanupTick()
		}
	}
}

// monitorTick applies the scaling policy: grow by ScaleUpStep when the
// active ratio exceeds ScaleUpThreshold with room left, shrink idle
// connections by ScaleDownStep when it falls below ScaleDownThreshold
// and the pool is above MinPoolSize. Ticks closer together than
// ScaleInterval are skipped, as is any tick while a scale is running.
func (p *Pool) monitorTick() {
	p.mu.Lock()
	if p.closed || p.scaling || time.Since(p.lastScale) < p.cfg.ScaleInterval {
		p.mu.Unlock()
		return
	}

	total := p.sizeLocked()
	active := 0
	for _, pc := range p.conns {
		if !pc.idle {
			active++
		}
	}

	var ratio float64
	if total > 0 {
		ratio = float64(active) / float64(total)
	}

	switch {
	case ratio > p.cfg.ScaleUpThreshold && total < p.cfg.MaxPoolSize:
		step := p.cfg.ScaleUpStep
		if total+step > p.cfg.MaxPoolSize {
			step = p.cfg.MaxPoolSize - total
		}
		p.scaling = true
		p.lastScale = time.Now()
		p.mu.Unlock()

		p.scaleUp(step, ratio)

	case ratio < p.cfg.ScaleDownThreshold && total > p.cfg.MinPoolSize:
		victims := p.shrinkLocked(p.cfg.ScaleDownStep)
		p.lastScale = time.Now()
		p.mu.Unlock()

		for _, c := range victims {
			c.Close()
		}
		if len(victims) > 0 {
			p.scales.Add(1)
			p.log.DebugWith("pool scaled down", "destroyed", len(victims), "activeRatio", ratio)
		}

	default:
		p.mu.Unlock()
	}
}

// scaleUp dials step new sockets in parallel and adds them idle
func (p *Pool) scaleUp(step int, ratio float64) {
	var dialWG sync.WaitGroup
	results := make(chan *net.TCPConn, step)
	for i := 0; i < step; i++ {
		dialWG.Add(1)
		go func() {
			defer dialWG.Done()
			if conn, err := p.dial(); err == nil {
				results <- conn
			}
		}()
	}
	dialWG.Wait()
	close(results)

	added := 0
	for conn := range results {
		if !p.addIdle(conn) {
			conn.Close()
			continue
		}
		added++
	}

	p.mu.Lock()
	p.scaling = false
	p.mu.Unlock()

	p.scales.Add(1)
	p.log.DebugWith("pool scaled up", "added", added, "requested", step, "activeRatio", ratio)
}

// shrinkLocked removes up to step idle connections, oldest activity
// first, never dropping below MinPoolSize and never touching lent ones.
func (p *Pool) shrinkLocked(step int) []*net.TCPConn {
	victims := make([]*net.TCPConn, 0, step)
	for len(victims) < step && p.sizeLocked() > p.cfg.MinPoolSize {
		var oldest *pooledConn
		for _, pc := range p.conns {
			if !pc.idle {
				continue
			}
			if oldest == nil || pc.lastUsed.Before(oldest.lastUsed) {
				oldest = pc
			}
		}
		if oldest == nil {
			break
		}
		victims = append(victims, oldest.conn)
		delete(p.conns, oldest.conn)
	}
	return victims
}

// cleanupTick destroys idle sockets past IdleTimeout and drops waiter
// entries older than WaiterMaxAge; those acquirers already timed out.
func (p *Pool) cleanupTick() {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var victims []*net.TCPConn
	for conn, pc := range p.conns {
		if p.sizeLocked()-len(victims) <= p.cfg.MinPoolSize {
			break
		}
		if pc.idle && now.Sub(pc.lastUsed) > p.cfg.IdleTimeout {
			victims = append(victims, conn)
			delete(p.conns, conn)
		}
	}

	kept := p.waiters[:0]
	dropped := 0
	for _, w := range p.waiters {
		if w.done || now.Sub(w.enqueued) > p.cfg.WaiterMaxAge {
			dropped++
			continue
		}
		kept = append(kept, w)
	}
	p.waiters = kept
	p.mu.Unlock()

	for _, c := range victims {
		c.Close()
	}
	if len(victims) > 0 || dropped > 0 {
		p.log.DebugWith("pool cleanup", "idleDestroyed", len(victims), "orphanedWaiters", dropped)
	}
}
