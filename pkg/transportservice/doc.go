// Package transportservice implements radio-level datagram
// fragmentation and reassembly for commands larger than the negotiated
// fragment size.
//
// Each direction is a state machine per (node, session): the receiver
// reassembles segments into the original datagram, requesting missing
// segments after a gap timeout, and acknowledges with a segment
// complete. The transmitter fragments a datagram and answers segment
// requests with retransmissions; a segment wait command is decoded but
// does not delay transmission.
// Sessions produce outputs (commands to send, timers, the finished
// datagram) rather than performing I/O themselves.
package transportservice
