// Package log provides structured capture of driver protocol events.
//
// Every layer of the driver (serial framing, Serial API messages, command
// classes, security, scheduler) emits Event records through a Logger.
// Events can be written to a compact CBOR capture file with FileLogger,
// bridged to log/slog with SlogAdapter, fanned out with MultiLogger, or
// discarded with NoopLogger. Capture files are read back with Reader,
// optionally filtered.
package log
