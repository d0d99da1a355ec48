// Package monitoring carries the diagnostic logger used for chatty
// pipeline internals (chunk state transitions, memory reclaim deltas).
// Operational events keep using the standard logger; this one exists so
// tests and quiet deployments can mute the noise.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. Defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the diagnostic logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
