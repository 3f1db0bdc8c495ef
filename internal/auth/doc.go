// Package auth decides whether a request carries acceptable credentials.
//
// Two credential kinds are accepted and either one is sufficient:
//   - an API key in the X-API-Key header, looked up in a KeyStore
//   - a bearer token in the Authorization header, checked by a
//     TokenVerifier
//
// The default verifier, StructuralVerifier, only checks that the token
// has the three dot-separated segments of a JWT. It does not verify a
// signature or expiry and must not be relied on for security.
// JWTVerifier performs real verification with a shared secret.
//
// # Usage
//
//	keys := auth.NewKeyStore()
//	key, _ := keys.Generate("client-1", []string{"read"})
//
//	gate := auth.NewGate(keys)
//	decision, err := gate.Check(ctx, true, "", map[string]string{"X-API-Key": key})
package auth
