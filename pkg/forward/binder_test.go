package forward

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/lieyan666/FireProxy/pkg/config"
	fperrors "github.com/lieyan666/FireProxy/pkg/errors"
	"github.com/lieyan666/FireProxy/pkg/pool"
)

func testDeps() BindDeps {
	return BindDeps{
		Log: testLogger(),
		PoolConfig: pool.Config{
			MinPoolSize:     1,
			MaxPoolSize:     2,
			InitialPoolSize: 1,
			ConnectTimeout:  500 * time.Millisecond,
			AcquireTimeout:  time.Second,
		},
		UDPConfig: UDPConfig{},
	}
}

// freeConsecutiveTCPPorts finds n consecutive bindable TCP ports
func freeConsecutiveTCPPorts(t *testing.T, n int) int {
	t.Helper()

	for attempt := 0; attempt < 20; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to probe ports: %v", err)
		}
		base := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		ok := true
		var probes []net.Listener
		for i := 0; i < n; i++ {
			p, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
			if err != nil {
				ok = false
				break
			}
			probes = append(probes, p)
		}
		for _, p := range probes {
			p.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("could not find consecutive free ports")
	return 0
}

// startBannerServer listens on an exact port and writes a port banner
// to every accepted connection so tests can verify range mappings
func startBannerServer(t *testing.T, port int) func() {
	t.Helper()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("failed to listen on %d: %v", port, err)
	}

	banner := []byte(fmt.Sprintf("PORT:%d", port))
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				conn.Write(banner)
				// Hold the connection so the pool can keep it warm
				io.Copy(io.Discard, conn)
				conn.Close()
			}(c)
		}
	}()

	return func() { ln.Close() }
}

func TestBindRejectsInvalidRule(t *testing.T) {
	rule := config.Rule{
		ID:              9,
		Status:          config.StatusActive,
		Type:            config.ProtocolTCP,
		TargetHost:      "127.0.0.1",
		LocalPortRange:  []int{10, 12},
		TargetPortRange: []int{20, 21},
	}

	if _, err := Bind(rule, testDeps()); !errors.Is(err, fperrors.ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule, got %v", err)
	}
}

func TestBindSinglePortUDP(t *testing.T) {
	echoPort, stopEcho := startUDPEcho(t)
	defer stopEcho()

	localBase := freeConsecutiveTCPPorts(t, 1)
	rule := config.Rule{
		ID:         2,
		Status:     config.StatusActive,
		Type:       config.ProtocolUDP,
		LocalHost:  "127.0.0.1",
		TargetHost: "127.0.0.1",
		LocalPort:  localBase,
		TargetPort: echoPort,
	}

	rs, err := Bind(rule, testDeps())
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer rs.Stop()

	if len(rs.Forwarders) != 1 {
		t.Fatalf("expected 1 forwarder, got %d", len(rs.Forwarders))
	}
	if rs.Forwarders[0].ID() != "udp_2_0" {
		t.Errorf("wrong forwarder id: %s", rs.Forwarders[0].ID())
	}
}

func TestBindTCPRangeMapsPortsIndependently(t *testing.T) {
	const n = 3
	targetBase := freeConsecutiveTCPPorts(t, n)
	var stops []func()
	for i := 0; i < n; i++ {
		stops = append(stops, startBannerServer(t, targetBase+i))
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	localBase := freeConsecutiveTCPPorts(t, n)
	rule := config.Rule{
		ID:              7,
		Status:          config.StatusActive,
		Type:            config.ProtocolTCP,
		LocalHost:       "127.0.0.1",
		TargetHost:      "127.0.0.1",
		LocalPortRange:  []int{localBase, localBase + n - 1},
		TargetPortRange: []int{targetBase, targetBase + n - 1},
	}

	rs, err := Bind(rule, testDeps())
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer rs.Stop()

	if len(rs.Forwarders) != n {
		t.Fatalf("expected %d forwarders, got %d", n, len(rs.Forwarders))
	}
	if len(rs.pools) != n {
		t.Errorf("expected %d pools keyed by target port, got %d", n, len(rs.pools))
	}

	for i := 0; i < n; i++ {
		client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localBase+i))
		if err != nil {
			t.Fatalf("dial local port %d failed: %v", localBase+i, err)
		}

		want := fmt.Sprintf("PORT:%d", targetBase+i)
		got := make([]byte, len(want))
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(client, got); err != nil {
			t.Fatalf("read banner on local %d failed: %v", localBase+i, err)
		}
		if string(got) != want {
			t.Errorf("local %d reached wrong target: got %q want %q", localBase+i, got, want)
		}
		client.Close()
	}
}

func TestBindPoolDedupByTargetPort(t *testing.T) {
	echoPort, stopEcho := startTCPEcho(t)
	defer stopEcho()

	localBase := freeConsecutiveTCPPorts(t, 1)
	rule := config.Rule{
		ID:         3,
		Status:     config.StatusActive,
		Type:       config.ProtocolTCP,
		LocalHost:  "127.0.0.1",
		TargetHost: "127.0.0.1",
		LocalPort:  localBase,
		TargetPort: echoPort,
	}

	rs, err := Bind(rule, testDeps())
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	defer rs.Stop()

	if len(rs.pools) != 1 {
		t.Errorf("expected exactly one pool, got %d", len(rs.pools))
	}
}

func TestRuleSetStopIdempotent(t *testing.T) {
	echoPort, stopEcho := startUDPEcho(t)
	defer stopEcho()

	localBase := freeConsecutiveTCPPorts(t, 1)
	rule := config.Rule{
		ID:         4,
		Status:     config.StatusActive,
		Type:       config.ProtocolUDP,
		LocalHost:  "127.0.0.1",
		TargetHost: "127.0.0.1",
		LocalPort:  localBase,
		TargetPort: echoPort,
	}

	rs, err := Bind(rule, testDeps())
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	rs.Stop()
	rs.Stop()
}
