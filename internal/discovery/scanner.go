package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muurk/headunit/internal/logging"
	"go.uber.org/zap"
)

const (
	// DefaultProbeTimeout bounds each TCP connect attempt
	DefaultProbeTimeout = 300 * time.Millisecond

	// DefaultConcurrency bounds parallel probes during the subnet sweep
	DefaultConcurrency = 64

	// DefaultMDNSTimeout is how long the mDNS phase listens
	DefaultMDNSTimeout = 3 * time.Second
)

// DialFunc opens a TCP connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// AddrsFunc lists the local IPv4 prefixes to derive suspects from.
type AddrsFunc func() ([]netip.Prefix, error)

// ReportFunc receives each found service. Calls are serialised.
type ReportFunc func(Service)

// Scanner finds phones offering a projection service on the local network.
//
// A scan probes gateway suspects first (x.x.x.1 of every local IPv4 prefix
// and the static addresses). Only if none of them answers is the full /24
// of every prefix swept. mDNS, when enabled, runs alongside and feeds its
// addresses into the same probe. Every address is probed, and so reported,
// at most once per scan.
type Scanner struct {
	// ProbeTimeout is the connect timeout for each port
	ProbeTimeout time.Duration

	// Concurrency bounds parallel probes
	Concurrency int

	// Static addresses are treated as gateway suspects
	Static []string

	// MDNS enables the mDNS phase
	MDNS bool

	// ServiceType is the mDNS service browsed for
	ServiceType string

	// MDNSTimeout bounds the mDNS phase
	MDNSTimeout time.Duration

	Dial   DialFunc
	Addrs  AddrsFunc
	Browse BrowseFunc
}

// NewScanner creates a scanner with default settings using the host's
// interfaces, a real dialer and zeroconf.
func NewScanner() *Scanner {
	d := &net.Dialer{}
	return &Scanner{
		ProbeTimeout: DefaultProbeTimeout,
		Concurrency:  DefaultConcurrency,
		ServiceType:  DefaultServiceType,
		MDNSTimeout:  DefaultMDNSTimeout,
		Dial:         d.DialContext,
		Addrs:        InterfaceAddrs,
		Browse:       ZeroconfBrowse,
	}
}

// scan is the state of one Scan call.
type scan struct {
	*Scanner
	visited *visited
	self    map[string]struct{}
	sem     chan struct{}
	found   atomic.Int64

	reportMu sync.Mutex
	report   ReportFunc
}

// Scan runs one discovery pass and calls report for each service found. It
// returns when all phases are finished or ctx is done, in which case the
// context error is returned. Services reported with a Conn belong to the
// caller.
func (s *Scanner) Scan(ctx context.Context, report ReportFunc) error {
	if report == nil {
		return fmt.Errorf("discovery: nil report function")
	}

	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sc := &scan{
		Scanner: s,
		visited: newVisited(),
		self:    make(map[string]struct{}),
		sem:     make(chan struct{}, concurrency),
		report:  report,
	}

	var prefixes []netip.Prefix
	if s.Addrs != nil {
		var err error
		prefixes, err = s.Addrs()
		if err != nil {
			logging.Warn("Interface enumeration failed", zap.Error(err))
		}
	}
	for _, p := range prefixes {
		sc.self[p.Addr().String()] = struct{}{}
	}

	var mdns sync.WaitGroup
	if s.MDNS && s.Browse != nil {
		timeout := s.MDNSTimeout
		if timeout <= 0 {
			timeout = DefaultMDNSTimeout
		}
		mctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		mdns.Add(1)
		go func() {
			defer mdns.Done()
			var probes sync.WaitGroup
			s.browse(mctx, func(c candidate) {
				probes.Add(1)
				go func() {
					defer probes.Done()
					sc.check(ctx, c)
				}()
			})
			probes.Wait()
		}()
	}

	logging.Info("Discovery phase 1: gateway suspects")
	sc.run(ctx, gatewaySuspects(prefixes, s.Static))

	if sc.found.Load() == 0 && ctx.Err() == nil {
		logging.Info("Discovery phase 2: subnet sweep", zap.Int("prefixes", len(prefixes)))
		sc.run(ctx, subnetHosts(prefixes))
	} else if ctx.Err() == nil {
		logging.Info("Gateway answered, skipping subnet sweep")
	}

	mdns.Wait()
	logging.Info("Discovery finished",
		zap.Int64("found", sc.found.Load()),
		zap.Int("probed", sc.visited.Len()),
	)
	return ctx.Err()
}

// Collect scans and returns everything found.
func (s *Scanner) Collect(ctx context.Context) ([]Service, error) {
	var out []Service
	err := s.Scan(ctx, func(svc Service) { out = append(out, svc) })
	return out, err
}

// run probes candidates with bounded concurrency and waits for all of them.
func (sc *scan) run(ctx context.Context, candidates []candidate) {
	var wg sync.WaitGroup
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.check(ctx, c)
		}()
	}
	wg.Wait()
}

// check probes one candidate unless its address was already claimed.
func (sc *scan) check(ctx context.Context, c candidate) {
	if _, ok := sc.self[c.ip]; ok {
		return
	}
	if !sc.visited.Add(c.ip) {
		return
	}

	select {
	case sc.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	port, conn := sc.probe(ctx, c.ip)
	<-sc.sem
	if port == 0 {
		return
	}

	sc.found.Add(1)
	svc := Service{
		IP:           c.ip,
		Port:         port,
		Hostname:     c.hostname,
		Source:       c.source,
		Metadata:     c.metadata,
		Conn:         conn,
		DiscoveredAt: time.Now(),
	}
	logging.Info("Found service",
		zap.String("addr", svc.Addr()),
		zap.Stringer("source", svc.Source),
	)

	sc.reportMu.Lock()
	defer sc.reportMu.Unlock()
	sc.report(svc)
}

// probe tries the launcher port, then the server port. The launcher socket
// is closed; the server socket is returned open.
func (sc *scan) probe(ctx context.Context, ip string) (int, net.Conn) {
	if conn := sc.dial(ctx, ip, LauncherPort); conn != nil {
		_ = conn.Close()
		return LauncherPort, nil
	}
	if conn := sc.dial(ctx, ip, ServerPort); conn != nil {
		return ServerPort, conn
	}
	return 0, nil
}

func (sc *scan) dial(ctx context.Context, ip string, port int) net.Conn {
	timeout := sc.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := sc.Dial(dctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil
	}
	return conn
}

// gatewaySuspects returns x.x.x.1 of every prefix followed by the static
// addresses.
func gatewaySuspects(prefixes []netip.Prefix, static []string) []candidate {
	var out []candidate
	for _, p := range prefixes {
		b := p.Addr().As4()
		b[3] = 1
		out = append(out, candidate{ip: netip.AddrFrom4(b).String(), source: SourceGateway})
	}
	for _, ip := range static {
		out = append(out, candidate{ip: ip, source: SourceStatic})
	}
	return out
}

// subnetHosts returns .1 through .254 of the /24 around every prefix.
func subnetHosts(prefixes []netip.Prefix) []candidate {
	var out []candidate
	for _, p := range prefixes {
		b := p.Addr().As4()
		for i := 1; i <= 254; i++ {
			b[3] = byte(i)
			out = append(out, candidate{ip: netip.AddrFrom4(b).String(), source: SourceSubnet})
		}
	}
	return out
}

// InterfaceAddrs lists the IPv4 prefixes of up, non-loopback interfaces.
func InterfaceAddrs() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	var out []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			addr, _ := netip.AddrFromSlice(ip4)
			out = append(out, netip.PrefixFrom(addr, ones))
		}
	}
	return out, nil
}
