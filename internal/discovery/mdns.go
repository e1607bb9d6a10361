package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/muurk/headunit/internal/logging"
	"go.uber.org/zap"
)

const (
	// DefaultServiceType is the mDNS service type phones advertise for
	// wireless projection
	DefaultServiceType = "_aawireless._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."
)

// BrowseFunc streams mDNS entries for service in domain until ctx is done.
// Implementations may close entries when they finish.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// ZeroconfBrowse browses with a zeroconf resolver on all interfaces.
func ZeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	return nil
}

// candidate is an address to probe plus whatever mDNS told us about it.
type candidate struct {
	ip       string
	source   Source
	hostname string
	metadata map[string]string
}

// browse feeds resolved addresses to probe until ctx is done or the browser
// runs dry.
func (s *Scanner) browse(ctx context.Context, probe func(candidate)) {
	entries := make(chan *zeroconf.ServiceEntry)
	if err := s.Browse(ctx, s.ServiceType, ServiceDomain, entries); err != nil {
		logging.Warn("mDNS browse failed", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if c := parseServiceEntry(entry); c != nil {
				logging.Debug("mDNS entry resolved",
					zap.String("hostname", c.hostname),
					zap.String("ip", c.ip),
				)
				probe(*c)
			}
		}
	}
}

// parseServiceEntry converts a zeroconf service entry to a probe candidate.
// Returns nil if the entry carries no address.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *candidate {
	if entry == nil {
		return nil
	}

	// Get IP address (prefer IPv4)
	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	// TXT records are in "key=value" format
	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}

	return &candidate{
		ip:       ip,
		source:   SourceMDNS,
		hostname: entry.HostName,
		metadata: metadata,
	}
}
