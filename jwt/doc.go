// Package jwt signs, verifies and inspects access tokens.
//
// The client side uses [Inspector] to derive a token expiry when the backend response
// omits one. [Manager] signs and verifies tokens and backs the in-process test backend.
package jwt
