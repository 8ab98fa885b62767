// Package cc models Z-Wave command class PDUs.
//
// A Command pairs a command class id and command id with the addressed
// node and endpoint, the raw payload and a flags bitmask recording which
// encapsulation wrappers were applied on the way in. The registry maps
// (class, command) to codec functions; partial.go buffers multi-report
// commands until their final segment arrives.
package cc
