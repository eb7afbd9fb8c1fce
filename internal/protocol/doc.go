// Package protocol owns the hub wire contract.
//
// Ownership boundary:
// - envelope shape and reserved opcodes
// - content coercion helpers shared by handlers
// - frame primitives (subpackage frame)
// - per-connection codec and session timing (subpackage session)
//
// Wire layout:
//
//	u16 header_len | header_json | payload
//
// The header JSON carries byteorder, content-type, content-encoding and
// content-length. The payload decodes to one Envelope.
package protocol
