// Package logging provides structured logging for the head unit.
//
// This package wraps a zap logger with convenience functions for the logging
// patterns used across the transport core, discovery and the command line
// tools. Output is silent unless a level is configured, so library code can
// log freely without polluting CLI output.
//
// # Log Levels
//
//   - Debug: frame headers, hex dumps, handshake steps
//   - Info: connections, discovered services, session state changes
//   - Warn: dropped frames, malformed video headers, recoverable crypto errors
//   - Error: fatal session errors, sink failures
//
// # Structured Logging
//
//	logging.Info("Service found",
//	    zap.String("ip", "192.168.1.20"),
//	    zap.Int("port", 5277),
//	)
//
// # Specialized Logging
//
//	logging.LogConnection(remoteAddr, "connected")
//	logging.LogHandshake(remoteAddr, "client_hello", "sent", 66)
//	logging.LogFrame("received", "video", 0x09, payload)
//
// LogFrame checks DebugEnabled before rendering, so it is safe on the video
// hot path.
//
// # Configuration
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// When Initialize is called with an empty level the HEADUNIT_LOG_LEVEL
// environment variable is consulted.
package logging
