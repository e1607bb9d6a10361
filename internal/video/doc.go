// Package video reassembles fragmented video channel messages into
// complete access units and hands them to a Sink.
//
// The fragmentation flags select the transition:
//
//	11  single      decode in place from the start code, accumulator untouched
//	 9  first       reset the accumulator and append from the start code
//	 8  middle      append the whole payload
//	10  last        append, emit the unit, reset
//
// The start code is probed at payload offset 10 (timestamped data) before
// offset 2 (codec configuration). Other flag values yield NotHandled.
package video
