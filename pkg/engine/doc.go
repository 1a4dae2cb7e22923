// Package engine wraps the platform TLS stack behind the handle model the
// rest of this module programs against: reference-counted context handles,
// per-connection session handles, ex-data association slots, callback
// registration, and a drainable error queue. The handshake state machine and
// record layer remain crypto/tls; engine only materializes configuration.
package engine
