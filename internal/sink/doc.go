// Package sink provides video.Sink implementations for the head unit: an
// Annex-B file writer, a WebSocket broadcaster for browser viewers, a
// counting discard sink and a fan-out.
//
// All sinks honour the synchronous Decode contract. Sinks that hand data to
// other goroutines copy it first.
package sink
