package tui

import (
	"fmt"
	"io"
	"sync"

	"github.com/muurk/headunit/internal/discovery"
)

// PlainReporter returns a ReportFunc that prints one line per service, for
// output that is not a terminal. Connections handed over by the scan are
// closed once printed.
func PlainReporter(w io.Writer) discovery.ReportFunc {
	var mu sync.Mutex
	return func(svc discovery.Service) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(w, FormatService(svc))
		if svc.Conn != nil {
			svc.Conn.Close()
		}
	}
}

// FormatService renders a service as tab-separated fields:
// address, kind, source and hostname.
func FormatService(svc discovery.Service) string {
	kind := "server"
	if svc.IsLauncher() {
		kind = "launcher"
	}
	host := svc.Hostname
	if host == "" {
		host = "-"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", svc.Addr(), kind, svc.Source, host)
}
