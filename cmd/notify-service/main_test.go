package main

import (
	"net/http"
	"testing"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"bearer", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"wrong scheme", "Basic abc123", ""},
		{"missing token", "Bearer", ""},
		{"extra parts", "Bearer abc 123", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := bearerToken(tc.header); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCredentialFromRequest(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/realtime?access_token=qtoken", nil)
	if got := credentialFromRequest(r); got != "qtoken" {
		t.Fatalf("expected query token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer htoken")
	if got := credentialFromRequest(r); got != "htoken" {
		t.Fatalf("header token must win, got %q", got)
	}

	if got := credentialFromRequest(nil); got != "" {
		t.Fatalf("expected empty credential for nil request, got %q", got)
	}
}
