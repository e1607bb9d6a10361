// Package tui renders the interactive discovery screen.
//
// The screen runs a discovery scan in the background and lists phones as
// they answer. The user picks one with enter, rescans with r, or types an
// address by hand with m. Plain output for pipes and scripts goes through
// PlainReporter instead.
package tui
