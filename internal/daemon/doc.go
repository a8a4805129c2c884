// Package daemon keeps a local, race-free view of one systemd-managed service.
//
// A Controller holds the last observed ServiceStatus, refreshes it on a timer
// and after each lifecycle command, and runs a settle poll until the manager
// reports a terminal state. LogStream attaches to the shared log topic and
// buffers lines for the supervised service only. Editor round-trips the
// opaque startup flags string.
package daemon
