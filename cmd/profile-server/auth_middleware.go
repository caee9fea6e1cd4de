package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"xraytun/internal/logging"
)

// authMiddleware checks for a configured Bearer token
func authMiddleware(tokens []string, logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			logger.Warnf("missing Authorization header from %s", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, "Auth Failed")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" {
			logger.Warnf("invalid Authorization header format from %s", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, "Auth Failed")
			return
		}

		if !tokenAllowed(tokens, strings.TrimSpace(token)) {
			logger.Warnf("invalid token from %s", r.RemoteAddr)
			writeJSONError(w, http.StatusUnauthorized, "Auth Failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tokenAllowed(tokens []string, token string) bool {
	allowed := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			allowed = true
		}
	}
	return allowed
}
