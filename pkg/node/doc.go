// Package node tracks the network nodes the driver talks to: their
// power state, security class, command-class support, supervision
// sessions, and the sleep-debounce timer that sends a node back to
// sleep when the driver has nothing left for it.
package node
