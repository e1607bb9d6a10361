package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestParseServiceEntry(t *testing.T) {
	tests := []struct {
		name     string
		entry    *zeroconf.ServiceEntry
		wantNil  bool
		wantIP   string
		wantHost string
	}{
		{
			name: "IPv4",
			entry: &zeroconf.ServiceEntry{
				HostName: "pixel.local.",
				AddrIPv4: []net.IP{net.ParseIP("192.168.4.16")},
			},
			wantIP:   "192.168.4.16",
			wantHost: "pixel.local.",
		},
		{
			name: "IPv6 only",
			entry: &zeroconf.ServiceEntry{
				HostName: "pixel.local.",
				AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
			},
			wantIP:   "fe80::1",
			wantHost: "pixel.local.",
		},
		{
			name: "both (should prefer IPv4)",
			entry: &zeroconf.ServiceEntry{
				AddrIPv4: []net.IP{net.ParseIP("192.168.1.50")},
				AddrIPv6: []net.IP{net.ParseIP("fe80::2")},
			},
			wantIP: "192.168.1.50",
		},
		{
			name:    "no address",
			entry:   &zeroconf.ServiceEntry{HostName: "pixel.local."},
			wantNil: true,
		},
		{
			name:    "nil entry",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := parseServiceEntry(tt.entry)
			if tt.wantNil {
				if c != nil {
					t.Errorf("parseServiceEntry() = %+v, want nil", c)
				}
				return
			}
			if c == nil {
				t.Fatal("parseServiceEntry() = nil")
			}
			if c.ip != tt.wantIP {
				t.Errorf("ip = %v, want %v", c.ip, tt.wantIP)
			}
			if c.hostname != tt.wantHost {
				t.Errorf("hostname = %v, want %v", c.hostname, tt.wantHost)
			}
			if c.source != SourceMDNS {
				t.Errorf("source = %v, want mdns", c.source)
			}
		})
	}
}

func TestParseServiceEntry_Metadata(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		AddrIPv4: []net.IP{net.ParseIP("192.168.4.16")},
		Text:     []string{"path=/", "flag", "version=1.0"},
	}

	c := parseServiceEntry(entry)
	if c == nil {
		t.Fatal("parseServiceEntry() = nil")
	}

	expected := map[string]string{"path": "/", "flag": "", "version": "1.0"}
	if len(c.metadata) != len(expected) {
		t.Errorf("metadata has %d entries, want %d", len(c.metadata), len(expected))
	}
	for k, v := range expected {
		if got, ok := c.metadata[k]; !ok || got != v {
			t.Errorf("metadata[%q] = %q, want %q", k, got, v)
		}
	}
}

func TestService(t *testing.T) {
	tests := []struct {
		name string
		svc  Service
		want string
	}{
		{
			name: "launcher",
			svc:  Service{IP: "192.168.43.1", Port: LauncherPort, Source: SourceGateway},
			want: "wireless launcher at 192.168.43.1:5289 via gateway",
		},
		{
			name: "server with hostname",
			svc:  Service{IP: "10.0.0.7", Port: ServerPort, Hostname: "pixel.local.", Source: SourceMDNS},
			want: "head unit server (pixel.local.) at 10.0.0.7:5277 via mdns",
		},
		{
			name: "ipv6",
			svc:  Service{IP: "fe80::1", Port: ServerPort, Source: SourceMDNS},
			want: "head unit server at [fe80::1]:5277 via mdns",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.svc.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}

	if (&Service{}).GetMetadata("x") != "" {
		t.Error("GetMetadata on nil metadata should be empty")
	}
	if Source(9).String() != "source(9)" {
		t.Errorf("Source(9) = %s", Source(9))
	}
}
