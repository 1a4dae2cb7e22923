// Package tlscontext centralizes the configuration shared by TLS
// connections: protocol version bounds, cipher policy, credentials, peer
// verification, and weighted application protocol advertisement.
//
// A Context wraps a reference-counted engine handle and owns the callback
// capabilities dispatched during handshakes (server name decisions, client
// hello observation, key passwords, session tickets) plus the session
// lifecycle relay that hands minted resumption state to an external manager.
// Configure a Context single-threaded, then share it read-only with
// connection-handling goroutines.
package tlscontext
