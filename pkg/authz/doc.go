// Package authz integrates the Open Policy Agent (OPA) engine with the TLS
// context manager, rendering allow or deny verdicts for the server name a
// client indicates during the handshake.
//
// The package compiles embedded Rego modules once, caches per-name verdicts,
// and plugs into a context as its server name callback. It is decoupled from
// configuration loading so policies can be tested and hot-swapped without a
// config file.
package authz
