// Package keys implements the signing keys used by workers and users. Keys
// and signing are based on elliptic curve cryptography with the secp256k1
// curve.
package keys
