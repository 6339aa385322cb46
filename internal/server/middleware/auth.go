package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/crypto"
)

// maxSignedBody bounds how much of a request body the middleware will buffer
// for signature verification. Larger bodies are rejected outright; truncating
// them would make every signature over the full body read as invalid.
const maxSignedBody = 1 << 20

// callerKey is the context key under which the authenticated caller address
// is stored.
type callerKey struct{}

// SignatureAuth returns middleware that identifies the caller of mutating
// requests by an EIP-191 personal signature over the raw request body. The
// client sends its address in X-Caller and the hex signature in X-Signature.
//
// When required is false, unsigned requests pass through without an
// authenticated caller; handlers then trust the caller field in the body.
// Signed requests are always verified, and a bad signature is rejected either
// way.
func SignatureAuth(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Reads carry no caller identity.
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			caller := strings.TrimSpace(r.Header.Get("X-Caller"))
			sig := strings.TrimSpace(r.Header.Get("X-Signature"))

			if caller == "" && sig == "" {
				if required {
					writeUnauthorized(w, "missing X-Caller and X-Signature headers")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if caller == "" || sig == "" {
				writeUnauthorized(w, "X-Caller and X-Signature must be sent together")
				return
			}
			if !common.IsHexAddress(caller) {
				writeUnauthorized(w, "X-Caller is not a hex address")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body exceeds signing limit")
					return
				}
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			recovered, err := crypto.RecoverAddress(body, sig)
			if err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}
			if recovered != common.HexToAddress(caller) {
				writeUnauthorized(w, "signature does not match caller")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey{}, recovered)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller returns the authenticated caller address stored by SignatureAuth.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
