// Package httpmock is the deterministic stand-in for network transport.
//
// A Controller answers every capability transport call either from a FIFO
// queue of seeded responses (mock mode) or by performing the request for
// real, and appends one Record per call to an ordered history. Popping the
// queue and appending to history happen under the same lock, so history
// order is call order even with concurrent callers. An empty queue yields
// DefaultResponse.
package httpmock
