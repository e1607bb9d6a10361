// Package peer implements the phone side of a projection link for
// development and testing.
//
// A Server listens on the head-unit server port, answers the link start-up
// and streams an Annex-B file to every head unit that connects. Parameter
// sets are sent as codec configuration, pictures as timestamped media data,
// all encrypted on the video channel and fragmented like the real phone does
// for large frames. Optionally it also answers on the launcher port so
// discovery finds it.
package peer
