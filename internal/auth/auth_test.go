package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKeyChecker_Valid(t *testing.T) {
	c := NewKeyChecker("secret")
	if !c.Valid("secret") {
		t.Error("expected matching key to be valid")
	}
	for _, k := range []string{"", "Secret", "secret ", "secre"} {
		if c.Valid(k) {
			t.Errorf("expected %q to be rejected", k)
		}
	}
}

func TestKeyChecker_EmptyKeyRejectsAll(t *testing.T) {
	c := NewKeyChecker("")
	if c.Valid("") || c.Valid("anything") {
		t.Error("empty configured key must reject every request")
	}
}

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		query  string
		want   string
	}{
		{"header", map[string]string{"X-API-Key": "k1"}, "", "k1"},
		{"bearer", map[string]string{"Authorization": "Bearer k2"}, "", "k2"},
		{"bearer lowercase", map[string]string{"Authorization": "bearer k3"}, "", "k3"},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, "", ""},
		{"query", nil, "apiKey=k4", "k4"},
		{"header wins", map[string]string{"X-API-Key": "h"}, "apiKey=q", "h"},
		{"none", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin/bills?"+tt.query, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ExtractKey(r); got != tt.want {
				t.Errorf("ExtractKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	var failures []string
	mw := Middleware(NewKeyChecker("secret"), "admin", func(s string) { failures = append(failures, s) })

	var sawAuth bool
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = Authenticated(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/admin/bills", nil)
		r.Header.Set(HeaderName, "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if !sawAuth {
			t.Error("expected request context to be marked authenticated")
		}
	})

	for _, tc := range []struct {
		name, key, msg string
	}{
		{"missing", "", "missing api key"},
		{"wrong", "nope", "invalid api key"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/admin/bills", nil)
			if tc.key != "" {
				r.Header.Set(HeaderName, tc.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decoding body: %v", err)
			}
			if body.Error.Code != "unauthorized" || body.Error.Message != tc.msg {
				t.Errorf("unexpected error body %+v", body.Error)
			}
		})
	}

	if len(failures) != 2 || failures[0] != "admin" {
		t.Errorf("expected two admin failures, got %v", failures)
	}
}
