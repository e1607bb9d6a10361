package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// LauncherPort is the wireless launcher on the phone. Preferred when both
	// ports answer.
	LauncherPort = 5289

	// ServerPort is the phone's head-unit server. A connection accepted here
	// is the projection connection itself.
	ServerPort = 5277
)

// Source says which scan phase found a service.
type Source int

const (
	SourceGateway Source = iota
	SourceStatic
	SourceSubnet
	SourceMDNS
)

func (s Source) String() string {
	switch s {
	case SourceGateway:
		return "gateway"
	case SourceStatic:
		return "static"
	case SourceSubnet:
		return "subnet"
	case SourceMDNS:
		return "mdns"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Service is a phone found on the network.
type Service struct {
	// IP is the address that answered (e.g., "192.168.43.1")
	IP string

	// Port is LauncherPort or ServerPort
	Port int

	// Hostname is only known for mDNS results
	Hostname string

	Source Source

	// Metadata contains mDNS TXT record data, if any
	Metadata map[string]string

	// Conn is the open connection for ServerPort results and nil otherwise.
	// The receiver of the report owns it.
	Conn net.Conn

	DiscoveredAt time.Time
}

// String returns a human-readable representation of the service
func (s *Service) String() string {
	kind := "head unit server"
	if s.IsLauncher() {
		kind = "wireless launcher"
	}
	if s.Hostname != "" {
		return fmt.Sprintf("%s (%s) at %s via %s", kind, s.Hostname, s.Addr(), s.Source)
	}
	return fmt.Sprintf("%s at %s via %s", kind, s.Addr(), s.Source)
}

// Addr returns host:port.
func (s *Service) Addr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// IsLauncher reports whether the service is the wireless launcher.
func (s *Service) IsLauncher() bool {
	return s.Port == LauncherPort
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (s *Service) GetMetadata(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}
