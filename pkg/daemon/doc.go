// Package daemon is the process shell: lockfile and pidfile handling, the
// client listener and router, and the bounded shutdown sequencer.
package daemon
