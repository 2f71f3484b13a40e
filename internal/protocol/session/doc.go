// Package session owns peer link wire helpers.
//
// Ownership boundary:
// - Hello/HelloAck handshake messages and protocol version checks
// - Start/Content/End sync messages and their frame encoding
// - retry/backoff, outbound queue and transport security primitives
//
// Every message is one frame whose payload is a TLV field list validated
// against the schema package before encode and after decode.
package session
