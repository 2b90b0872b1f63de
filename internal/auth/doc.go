// Package auth verifies the bearer tokens adapters present at identify
// time. Tokens are opaque credentials compared in constant time; there
// is no challenge/response at this layer, and transport security is
// assumed to come from TLS in front of the gateway.
package auth
