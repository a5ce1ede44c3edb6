// Package auth provides API-key authentication for vigil's listeners.
//
// APIKeyInterceptor(mode, header, key) returns a gRPC UnaryServerInterceptor
// that validates the key from the named gRPC metadata header. Middleware does
// the same for HTTP handlers, reading the key from the request header of the
// same name. Paths passed as open (for example /health) are never checked.
//
// When mode != "apikey" or key == "", every call passes through (local
// development with auth disabled). Keys are compared in constant time.
package auth
