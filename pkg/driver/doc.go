// Package driver ties the layers together: it owns the serial port,
// feeds inbound bytes through the frame parser, correlates responses
// and callbacks with the send scheduler, unwraps unsolicited commands
// through the encapsulation pipeline, and exposes the host-facing API
// for sending messages and commands and awaiting replies.
package driver
