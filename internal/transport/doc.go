// Package transport defines the accessory link the protocol runs over and a
// TCP implementation of it.
//
// All failures are *Error values whose Kind separates a timeout (retry is
// the caller's call) from a closed link (reconnect). Nothing in this package
// retries on its own.
package transport
