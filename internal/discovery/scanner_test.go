package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grandcat/zeroconf"
)

type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// fakeNet answers dials for the addresses in open and counts every attempt.
type fakeNet struct {
	mu    sync.Mutex
	open  map[string]bool
	dials map[string]int
	conns map[string]*trackedConn
	peers []net.Conn
}

func newFakeNet(t *testing.T, open ...string) *fakeNet {
	f := &fakeNet{
		open:  make(map[string]bool),
		dials: make(map[string]int),
		conns: make(map[string]*trackedConn),
	}
	for _, a := range open {
		f.open[a] = true
	}
	t.Cleanup(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range f.peers {
			p.Close()
		}
		for _, c := range f.conns {
			c.Conn.Close()
		}
	})
	return f
}

func (f *fakeNet) Dial(_ context.Context, _, addr string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials[addr]++
	if !f.open[addr] {
		return nil, errors.New("connection refused")
	}
	a, b := net.Pipe()
	c := &trackedConn{Conn: a}
	f.conns[addr] = c
	f.peers = append(f.peers, b)
	return c, nil
}

func (f *fakeNet) dialed(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[addr]
}

func prefixes(ps ...string) AddrsFunc {
	return func() ([]netip.Prefix, error) {
		out := make([]netip.Prefix, 0, len(ps))
		for _, p := range ps {
			out = append(out, netip.MustParsePrefix(p))
		}
		return out, nil
	}
}

func testScanner(f *fakeNet, addrs AddrsFunc) *Scanner {
	s := NewScanner()
	s.Dial = f.Dial
	s.Addrs = addrs
	s.Browse = nil
	return s
}

func TestScan_GatewayAnswers(t *testing.T) {
	f := newFakeNet(t, "10.0.0.1:5289")
	s := testScanner(f, prefixes("10.0.0.5/24"))

	got, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("found %d services, want 1", len(got))
	}
	svc := got[0]
	if svc.IP != "10.0.0.1" || svc.Port != LauncherPort || svc.Source != SourceGateway {
		t.Errorf("service = %+v", svc)
	}
	if svc.Conn != nil {
		t.Error("launcher result should not carry a connection")
	}
	if !f.conns["10.0.0.1:5289"].closed.Load() {
		t.Error("launcher probe socket was not closed")
	}
	if n := f.dialed("10.0.0.2:5289"); n != 0 {
		t.Errorf("subnet was swept (%d dials to .2) although the gateway answered", n)
	}
	if n := f.dialed("10.0.0.1:5277"); n != 0 {
		t.Error("server port probed although the launcher answered")
	}
}

func TestScan_SubnetSweep(t *testing.T) {
	f := newFakeNet(t, "10.0.0.42:5289", "10.0.0.77:5277")
	s := testScanner(f, prefixes("10.0.0.5/24"))
	s.Concurrency = 8

	got, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("found %d services, want 2: %v", len(got), got)
	}

	byIP := map[string]Service{}
	for _, svc := range got {
		byIP[svc.IP] = svc
	}
	launcher, server := byIP["10.0.0.42"], byIP["10.0.0.77"]
	if launcher.Port != LauncherPort || launcher.Conn != nil {
		t.Errorf("launcher = %+v", launcher)
	}
	if server.Port != ServerPort || server.Conn == nil {
		t.Errorf("server = %+v, want open conn on %d", server, ServerPort)
	}
	if f.conns["10.0.0.77:5277"].closed.Load() {
		t.Error("server socket must be handed over open")
	}
	if server.Source != SourceSubnet {
		t.Errorf("server.Source = %v, want subnet", server.Source)
	}

	if n := f.dialed("10.0.0.5:5289"); n != 0 {
		t.Error("scanner probed its own address")
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.254"} {
		if n := f.dialed(ip + ":5289"); n != 1 {
			t.Errorf("%s probed %d times, want 1", ip, n)
		}
	}
	if n := f.dialed("10.0.0.255:5289"); n != 0 {
		t.Error("broadcast address probed")
	}
}

func TestScan_StaticAddress(t *testing.T) {
	f := newFakeNet(t, "172.16.0.9:5277")
	s := testScanner(f, prefixes())
	s.Static = []string{"172.16.0.9"}

	got, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 1 || got[0].Source != SourceStatic || got[0].Port != ServerPort {
		t.Fatalf("got %v, want one static server", got)
	}
}

func TestScan_AddrsError(t *testing.T) {
	f := newFakeNet(t)
	s := testScanner(f, func() ([]netip.Prefix, error) { return nil, errors.New("no interfaces") })

	got, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want nothing", got)
	}
}

func TestScan_Cancelled(t *testing.T) {
	f := newFakeNet(t, "10.0.0.1:5289")
	s := testScanner(f, prefixes("10.0.0.5/24"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := s.Collect(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Collect() error = %v, want context.Canceled", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v after cancel", got)
	}
}

func TestScan_NilReport(t *testing.T) {
	s := testScanner(newFakeNet(t), prefixes())
	if err := s.Scan(context.Background(), nil); err == nil {
		t.Error("Scan(nil) should fail")
	}
}

// staticBrowse resolves the given entries immediately.
func staticBrowse(entries ...*zeroconf.ServiceEntry) BrowseFunc {
	return func(ctx context.Context, _, _ string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			defer close(out)
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func TestScan_MDNSAndGatewayOverlap(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFakeNet(t, "10.0.0.1:5277")
		s := testScanner(f, prefixes("10.0.0.5/24"))
		s.MDNS = true
		s.Browse = staticBrowse(&zeroconf.ServiceEntry{
			HostName: "pixel.local.",
			AddrIPv4: []net.IP{net.ParseIP("10.0.0.1")},
		})

		var reports atomic.Int32
		err := s.Scan(context.Background(), func(svc Service) {
			reports.Add(1)
			if svc.Conn == nil {
				t.Error("server result without a connection")
			}
		})
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if n := reports.Load(); n != 1 {
			t.Fatalf("iteration %d: reported %d times, want exactly once", i, n)
		}
		if n := f.dialed("10.0.0.1:5277"); n != 1 {
			t.Fatalf("iteration %d: probed %d times, want 1", i, n)
		}
	}
}

func TestScan_MDNSOnly(t *testing.T) {
	f := newFakeNet(t, "192.168.50.20:5289")
	s := testScanner(f, prefixes())
	s.MDNS = true
	s.Browse = staticBrowse(&zeroconf.ServiceEntry{
		HostName: "pixel.local.",
		AddrIPv4: []net.IP{net.ParseIP("192.168.50.20")},
		Text:     []string{"model=Pixel"},
	})

	got, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("found %d services, want 1", len(got))
	}
	if got[0].Source != SourceMDNS || got[0].Hostname != "pixel.local." {
		t.Errorf("service = %+v", got[0])
	}
	if got[0].GetMetadata("model") != "Pixel" {
		t.Errorf("metadata = %v", got[0].Metadata)
	}
}

func TestScan_MDNSBrowseError(t *testing.T) {
	f := newFakeNet(t)
	s := testScanner(f, prefixes())
	s.MDNS = true
	s.Browse = func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return errors.New("no multicast")
	}
	if _, err := s.Collect(context.Background()); err != nil {
		t.Errorf("Collect() error = %v, a browse failure is not fatal", err)
	}
}

func TestVisited_ExactlyOnce(t *testing.T) {
	v := newVisited()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.Add("10.0.0.1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("Add() won %d times, want 1", wins.Load())
	}
	if !v.Add("10.0.0.2") || v.Len() != 2 {
		t.Error("a new address should be accepted")
	}
}

func TestGatewaySuspects(t *testing.T) {
	got := gatewaySuspects(
		[]netip.Prefix{netip.MustParsePrefix("192.168.43.17/24"), netip.MustParsePrefix("10.1.2.3/16")},
		[]string{"10.0.2.2"},
	)
	want := []candidate{
		{ip: "192.168.43.1", source: SourceGateway},
		{ip: "10.1.2.1", source: SourceGateway},
		{ip: "10.0.2.2", source: SourceStatic},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d suspects, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ip != want[i].ip || got[i].source != want[i].source {
			t.Errorf("suspect[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSubnetHosts(t *testing.T) {
	got := subnetHosts([]netip.Prefix{netip.MustParsePrefix("192.168.1.50/24")})
	if len(got) != 254 {
		t.Fatalf("got %d hosts, want 254", len(got))
	}
	if got[0].ip != "192.168.1.1" || got[253].ip != "192.168.1.254" {
		t.Errorf("range = %s..%s", got[0].ip, got[253].ip)
	}
}
