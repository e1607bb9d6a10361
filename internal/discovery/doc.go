// Package discovery finds phones offering wireless projection on the local
// network.
//
// # Discovery Process
//
// A scan runs in up to three phases:
//  1. Gateway suspects: x.x.x.1 of every up IPv4 interface, plus any static
//     addresses. A phone acting as a hotspot is almost always the gateway.
//  2. Subnet sweep: only when phase 1 found nothing, every host of the /24
//     around each interface address, skipping the local address.
//  3. mDNS (optional): runs alongside the other phases and feeds resolved
//     addresses into the same probe.
//
// Each address is probed on LauncherPort first and ServerPort second. The
// launcher socket is closed after the probe. A ServerPort socket is handed to
// the caller open, because the phone is already waiting on it.
//
// An address is probed and reported at most once per scan, even when phases
// overlap.
//
// # Usage Example
//
//	s := discovery.NewScanner()
//	s.MDNS = true
//	err := s.Scan(ctx, func(svc discovery.Service) {
//	    fmt.Println("Found:", svc.String())
//	})
package discovery
