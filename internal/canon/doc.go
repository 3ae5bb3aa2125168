// Package canon produces canonical JSON (RFC 8785 key ordering, no HTML
// escaping) and domain-separated content hashes.
//
// Two encodings are offered. Marshal keeps string contents byte-for-byte,
// which is what secret materialization needs: a structured secret must
// round-trip through a byte-oriented capability unchanged. MarshalNFC
// additionally NFC-normalizes every string and is used for identity hashes,
// so visually identical inputs always hash the same.
package canon
