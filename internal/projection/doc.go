// Package projection runs the head-unit side of a projection session.
//
// A Client owns one accessory connection. Start performs the link start-up
// (version exchange, secure handshake, auth complete). Run is the single
// reader loop: video fragments go to a video.Reassembler and on to the
// decoder sink, messages on other channels go to registered handlers.
//
// Outbound messages may be sent with Send from any goroutine while Run is
// active. Decode options can be swapped at any time, for example from a
// config.Watch callback.
package projection
