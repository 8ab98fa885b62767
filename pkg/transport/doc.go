// Package transport provides the byte transports the driver reads serial
// frames from: a local serial port and a tcp:// bridge to a remote port.
//
// Open dispatches on the path: "tcp://host:port" dials a network bridge,
// anything else opens a serial device. Both satisfy Port.
package transport
