// Package serialapi converts frames to typed host<->controller messages.
//
// A Message pairs a Serial API function type with a direction (Request or
// Response), an optional callback id for asynchronous completion, an
// optional target node and the raw payload. The scheduler enqueues
// Messages; the dispatcher decodes inbound frames back into them.
package serialapi
