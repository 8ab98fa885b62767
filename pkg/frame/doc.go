// Package frame implements the Z-Wave Serial API frame boundary.
//
// The serial line carries four frame kinds: single control bytes ACK, NAK
// and CAN, and data frames introduced by SOF with a length byte, a type
// byte (Request/Response), a function byte, an optional payload and an
// XOR checksum seeded with 0xFF. Parser converts the byte stream into
// Frame values one byte at a time; Writer serializes frames back onto an
// io.Writer.
package frame
