// Package bridge provides blocking request/response calls over the
// asynchronous envelope transport.
//
// A call mints a correlation id, sends an opcode-3 request naming a target
// opcode, and waits on a one-shot channel until the peer's response with the
// same id arrives, the context ends, or the timeout fires. The remote side
// runs the target handler against a Capture and replies with everything the
// handler sent.
package bridge
