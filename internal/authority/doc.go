// Package authority implements license.Authority over HTTP.
//
// Requests are POSTed as JSON to {base}/v1/licenses. When a shared secret is
// configured, each request carries X-Playguard-Nonce and
// X-Playguard-Signature headers: an HMAC-SHA256 of the body keyed by an
// HKDF-SHA256 derivation of the secret salted with the nonce.
//
// Status mapping:
//
//	200, 201  JSON license.Response
//	402       Response{RequiresPayment: true}
//	426       Response{RequiresUpgrade: true}
//	429, 503  Response{RetryAfter: <Retry-After seconds>}
//	other     AUTHORITY error
package authority
