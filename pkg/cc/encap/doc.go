// Package encap applies and removes command encapsulation layers.
//
// Outbound, the pipeline wraps a command Supervision first, then Multi
// Channel, then either CRC-16 or Security (never both). Inbound it peels
// layers outermost first, recording each wrapper in the command's flags so
// replies can mirror them. Transport Service fragmentation operates below
// this pipeline on the final encoded bytes.
package encap
