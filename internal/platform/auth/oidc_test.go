package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discoveryServer(t *testing.T, doc map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOIDCProvider_Discovery(t *testing.T) {
	srv := discoveryServer(t, map[string]interface{}{
		"issuer":         "https://idp.example.com",
		"token_endpoint": "https://idp.example.com/token",
		"jwks_uri":       "https://idp.example.com/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})

	provider, err := NewOIDCProvider(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.JWKSURI != "https://idp.example.com/jwks" {
		t.Errorf("expected jwks_uri, got %s", provider.JWKSURI)
	}
	if len(provider.SigningAlgs) != 1 || provider.SigningAlgs[0] != "RS256" {
		t.Errorf("unexpected signing algs %v", provider.SigningAlgs)
	}
}

func TestOIDCProvider_MissingJWKSURI(t *testing.T) {
	srv := discoveryServer(t, map[string]interface{}{"issuer": "https://idp.example.com"})
	if _, err := NewOIDCProvider(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for missing jwks_uri")
	}
}

func TestOIDCProvider_InvalidIssuer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := NewOIDCProvider(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for a 404 discovery endpoint")
	}
}
