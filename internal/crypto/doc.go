// Package crypto holds the broker's server-side primitives: the master
// key cipher for vault credentials and access tokens, credential
// generation, and HKDF/HMAC helpers.
package crypto
