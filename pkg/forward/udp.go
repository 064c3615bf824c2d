package forward

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	fperrors "github.com/lieyan666/FireProxy/pkg/errors"
	"github.com/lieyan666/FireProxy/pkg/logger"
	"github.com/lieyan666/FireProxy/pkg/stats"
)

// Default UDP tuning
const (
	DefaultClientTimeout      = 300 * time.Second
	DefaultUDPCleanupInterval = 60 * time.Second
	DefaultUDPBuffer          = 64 * 1024
)

// UDPConfig tunes one UDP forwarder. Zero fields take their defaults.
type UDPConfig struct {
	ClientTimeout   time.Duration
	CleanupInterval time.Duration
	SocketBuffer    int
}

func (c UDPConfig) withDefaults() UDPConfig {
	if c.ClientTimeout == 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultUDPCleanupInterval
	}
	if c.SocketBuffer == 0 {
		c.SocketBuffer = DefaultUDPBuffer
	}
	return c
}

// udpSession is the NAT-style state for one client (addr, port): a
// dedicated upstream socket with an OS-chosen local port, so the
// upstream always sees the same 5-tuple for that client.
type udpSession struct {
	clientAddr *net.UDPAddr
	upstream   *net.UDPConn
	lastActive atomic.Int64 // unix nanos
	errors     atomic.Uint64
}

func (s *udpSession) touch() {
	now := time.Now().UnixNano()
	// lastActive is monotonically non-decreasing
	for {
		prev := s.lastActive.Load()
		if now <= prev || s.lastActive.CompareAndSwap(prev, now) {
			return
		}
	}
}

// UDPForwarder owns one server UDP socket and a table of per-client
// sessions. Datagrams flow client -> upstream on the session socket and
// upstream -> client via the server socket.
type UDPForwarder struct {
	id         string
	localHost  string
	localPort  int
	targetHost string
	targetPort int
	cfg        UDPConfig
	log        *logger.Logger

	network string
	target  *net.UDPAddr
	server  *net.UDPConn
	bindErr error

	mu       sync.Mutex
	sessions map[string]*udpSession

	messages atomic.Uint64
	clients  atomic.Uint64
	errors   atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewUDPForwarder creates a forwarder bound later by Start
func NewUDPForwarder(id, localHost string, localPort int, targetHost string, targetPort int, cfg UDPConfig, log *logger.Logger) *UDPForwarder {
	return &UDPForwarder{
		id:         id,
		localHost:  localHost,
		localPort:  localPort,
		targetHost: targetHost,
		targetPort: targetPort,
		cfg:        cfg.withDefaults(),
		log:        log.With("proxy", id),
		sessions:   make(map[string]*udpSession),
		stopped:    make(chan struct{}),
	}
}

// ID returns the registry identifier
func (f *UDPForwarder) ID() string {
	return f.id
}

// Addr returns the bound server address, or nil before Start or after
// a bind failure
func (f *UDPForwarder) Addr() net.Addr {
	if f.server == nil {
		return nil
	}
	return f.server.LocalAddr()
}

// Start resolves the target, binds the server socket and launches the
// read loop and the idle sweeper. The address family follows the
// target host: udp6 only for an IPv6 literal.
func (f *UDPForwarder) Start() error {
	f.network = "udp4"
	if ip := net.ParseIP(f.targetHost); ip != nil && ip.To4() == nil {
		f.network = "udp6"
	}

	target, err := net.ResolveUDPAddr(f.network, net.JoinHostPort(f.targetHost, fmt.Sprintf("%d", f.targetPort)))
	if err != nil {
		f.bindErr = fmt.Errorf("%w: resolve target: %v", fperrors.ErrBindFailed, err)
		f.errors.Add(1)
		return f.bindErr
	}
	f.target = target

	local, err := net.ResolveUDPAddr(f.network, net.JoinHostPort(f.localHost, fmt.Sprintf("%d", f.localPort)))
	if err != nil {
		f.bindErr = fmt.Errorf("%w: resolve local: %v", fperrors.ErrBindFailed, err)
		f.errors.Add(1)
		return f.bindErr
	}

	server, err := net.ListenUDP(f.network, local)
	if err != nil {
		f.bindErr = fmt.Errorf("%w: %v", fperrors.ErrBindFailed, err)
		f.errors.Add(1)
		return f.bindErr
	}
	server.SetReadBuffer(f.cfg.SocketBuffer)
	server.SetWriteBuffer(f.cfg.SocketBuffer)
	f.server = server

	f.log.InfoWith("udp forwarder listening",
		"localPort", f.localPort,
		"targetHost", f.targetHost,
		"targetPort", f.targetPort)

	f.wg.Add(2)
	go f.readLoop()
	go f.sweeper()
	return nil
}

// readLoop pulls datagrams off the server socket, finds or creates the
// client's session and forwards on its upstream socket.
func (f *UDPForwarder) readLoop() {
	defer f.wg.Done()

	buf := make([]byte, f.cfg.SocketBuffer)
	for {
		n, clientAddr, err := f.server.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-f.stopped:
				return
			default:
			}
			f.errors.Add(1)
			f.log.WarnWith("server read failed", "error", err)
			continue
		}

		session, err := f.session(clientAddr)
		if err != nil {
			f.errors.Add(1)
			f.log.DebugWith("session create failed", "client", clientAddr.String(), "error", err)
			continue
		}

		session.touch()
		if _, err := session.upstream.Write(buf[:n]); err != nil {
			f.errors.Add(1)
			session.errors.Add(1)
			f.log.DebugWith("upstream send failed", "client", clientAddr.String(), "error", err)
			// The session socket itself failed; retire it so the next
			// datagram re-establishes.
			f.destroySession(clientAddr.String())
			continue
		}
		f.messages.Add(1)
		f.log.TraceWith("datagram forwarded", "client", clientAddr.String(), "bytes", n)
	}
}

// session returns the existing session for a client or creates one with
// a fresh upstream socket and its reply loop.
func (f *UDPForwarder) session(clientAddr *net.UDPAddr) (*udpSession, error) {
	key := clientAddr.String()

	f.mu.Lock()
	if s, ok := f.sessions[key]; ok {
		f.mu.Unlock()
		return s, nil
	}
	f.mu.Unlock()

	upstream, err := net.DialUDP(f.network, nil, f.target)
	if err != nil {
		return nil, err
	}
	upstream.SetReadBuffer(f.cfg.SocketBuffer)
	upstream.SetWriteBuffer(f.cfg.SocketBuffer)

	s := &udpSession{
		clientAddr: clientAddr,
		upstream:   upstream,
	}
	s.touch()

	f.mu.Lock()
	select {
	case <-f.stopped:
		// Stop already swapped the table; a session inserted now would
		// never be closed.
		f.mu.Unlock()
		upstream.Close()
		return nil, fperrors.ErrForwarderStopped
	default:
	}
	if existing, ok := f.sessions[key]; ok {
		// Another datagram won the race; keep the established session.
		f.mu.Unlock()
		upstream.Close()
		return existing, nil
	}
	f.sessions[key] = s
	f.mu.Unlock()

	f.clients.Add(1)
	f.log.DebugWith("udp session created", "client", key, "upstreamLocal", upstream.LocalAddr().String())

	f.wg.Add(1)
	go f.replyLoop(key, s)
	return s, nil
}

// replyLoop relays upstream replies back to the client through the
// server socket. It exits when the session's upstream socket closes,
// either through idle eviction or forwarder stop.
func (f *UDPForwarder) replyLoop(key string, s *udpSession) {
	defer f.wg.Done()

	buf := make([]byte, f.cfg.SocketBuffer)
	for {
		n, err := s.upstream.Read(buf)
		if err != nil {
			select {
			case <-f.stopped:
				return
			default:
			}
			// Closed by the sweeper, or a genuine upstream failure;
			// either way this session is done.
			f.destroySession(key)
			return
		}

		s.touch()
		if _, err := f.server.WriteToUDP(buf[:n], s.clientAddr); err != nil {
			// Reply delivery failures are counted but the session lives
			// on; only an upstream socket error retires it.
			f.errors.Add(1)
			s.errors.Add(1)
			f.log.DebugWith("reply send failed", "client", key, "error", err)
			continue
		}
		f.messages.Add(1)
		f.log.TraceWith("reply forwarded", "client", key, "bytes", n)
	}
}

// destroySession removes a session and closes its upstream socket
func (f *UDPForwarder) destroySession(key string) {
	f.mu.Lock()
	s, ok := f.sessions[key]
	if ok {
		delete(f.sessions, key)
	}
	f.mu.Unlock()

	if ok {
		s.upstream.Close()
		f.log.DebugWith("udp session destroyed", "client", key)
	}
}

// sweeper evicts sessions idle past ClientTimeout
func (f *UDPForwarder) sweeper() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopped:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-f.cfg.ClientTimeout).UnixNano()

			f.mu.Lock()
			var idle []string
			for key, s := range f.sessions {
				if s.lastActive.Load() < cutoff {
					idle = append(idle, key)
				}
			}
			f.mu.Unlock()

			for _, key := range idle {
				f.destroySession(key)
			}
			if len(idle) > 0 {
				f.log.DebugWith("idle udp sessions evicted", "count", len(idle))
			}
		}
	}
}

// Snapshot returns the forwarder counters
func (f *UDPForwarder) Snapshot() stats.Snapshot {
	f.mu.Lock()
	active := int64(len(f.sessions))
	f.mu.Unlock()

	return stats.Snapshot{
		ID:                f.id,
		Protocol:          "udp",
		LocalHost:         f.localHost,
		LocalPort:         f.localPort,
		TargetHost:        f.targetHost,
		TargetPort:        f.targetPort,
		MessagesForwarded: f.messages.Load(),
		ClientConnections: f.clients.Load(),
		ActiveClients:     active,
		Errors:            f.errors.Load(),
	}
}

// Stop closes the server socket and every session. Idempotent.
func (f *UDPForwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopped)
		if f.server != nil {
			f.server.Close()
		}

		f.mu.Lock()
		sessions := f.sessions
		f.sessions = make(map[string]*udpSession)
		f.mu.Unlock()

		for _, s := range sessions {
			s.upstream.Close()
		}

		f.wg.Wait()
		f.log.InfoWith("udp forwarder stopped", "localPort", f.localPort, "sessionsClosed", len(sessions))
	})
}
