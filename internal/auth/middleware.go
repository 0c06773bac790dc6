package auth

import (
	"context"
	"encoding/json"
	"net/http"
)

type contextKey int

const authenticatedKey contextKey = iota

// ContextWithAuthenticated marks the request as carrying a valid key.
func ContextWithAuthenticated(ctx context.Context) context.Context {
	return context.WithValue(ctx, authenticatedKey, true)
}

// Authenticated reports whether the request passed key authentication.
func Authenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(authenticatedKey).(bool)
	return ok
}

// Middleware rejects requests without a valid API key with 401. surface names
// the protected area and is passed to onFailure, typically a metrics counter.
func Middleware(checker *KeyChecker, surface string, onFailure ...func(surface string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ExtractKey(r)
			if key == "" {
				reject(w, surface, onFailure, "missing api key")
				return
			}
			if !checker.Valid(key) {
				reject(w, surface, onFailure, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAuthenticated(r.Context())))
		})
	}
}

func reject(w http.ResponseWriter, surface string, hooks []func(string), message string) {
	for _, fn := range hooks {
		fn(surface)
	}
	writeUnauthorized(w, message)
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
