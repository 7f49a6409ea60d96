package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testToken(t *testing.T, claims map[string]any, secret string) string {
	t.Helper()
	tok, err := SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestVerifyHS256Token(t *testing.T) {
	secret := "test-secret"
	tok := testToken(t, map[string]any{
		"sub":                "https://consumer.example/connector",
		"referringConnector": "https://consumer.example/connector",
		"securityProfile":    "BASE_SECURITY_PROFILE",
		"iss":                "https://daps.example",
		"aud":                "idsc:IDS_CONNECTORS_ALL",
		"exp":                time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	claims, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "https://daps.example", "idsc:IDS_CONNECTORS_ALL")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Sub != "https://consumer.example/connector" {
		t.Fatalf("unexpected sub: %q", claims.Sub)
	}
	if claims.ReferringConnector != "https://consumer.example/connector" {
		t.Fatalf("unexpected referringConnector: %q", claims.ReferringConnector)
	}
	if claims.SecurityProfile != "BASE_SECURITY_PROFILE" {
		t.Fatalf("unexpected securityProfile: %q", claims.SecurityProfile)
	}
}

func TestVerifyHS256TokenIssuerMismatch(t *testing.T) {
	secret := "test-secret"
	tok := testToken(t, map[string]any{
		"sub": "connector-1",
		"iss": "https://daps-1.example",
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	if _, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "https://daps-2.example", ""); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestVerifyHS256TokenAudienceMismatch(t *testing.T) {
	secret := "test-secret"
	tok := testToken(t, map[string]any{
		"sub": "connector-1",
		"aud": []string{"a", "b"},
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	if _, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "", "c"); err == nil {
		t.Fatal("expected audience mismatch")
	}
}

func TestVerifyHS256TokenExpired(t *testing.T) {
	secret := "test-secret"
	tok := testToken(t, map[string]any{
		"sub": "connector-1",
		"exp": time.Now().UTC().Add(-time.Minute).Unix(),
	}, secret)
	if _, err := VerifyHS256Token(tok, secret, time.Now().UTC(), "", ""); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestVerifyHS256TokenTampered(t *testing.T) {
	secret := "test-secret"
	tok := testToken(t, map[string]any{
		"sub": "connector-1",
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	if _, err := VerifyHS256Token(tok, "other-secret", time.Now().UTC(), "", ""); err == nil {
		t.Fatal("expected signature mismatch")
	}
	if _, err := VerifyHS256Token(tok+"x", secret, time.Now().UTC(), "", ""); err == nil {
		t.Fatal("expected invalid signature encoding")
	}
}

func TestMiddlewareOffInjectsAnonymous(t *testing.T) {
	mw := Middleware("off", "")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.Subject != "anonymous" {
			t.Fatalf("unexpected principal: %+v ok=%v", p, ok)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMiddlewareRejectsInvalidToken(t *testing.T) {
	mw := Middleware("daps_hs256", "secret")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ids/data", nil)
	req.Header.Set("Authorization", "Bearer bad.token")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareRejectsMissingBearer(t *testing.T) {
	mw := Middleware("daps_hs256", "secret")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/ids/data", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	secret := "secret"
	tok := testToken(t, map[string]any{
		"sub":                "https://consumer.example/connector",
		"referringConnector": "https://consumer.example/connector",
		"exp":                time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	mw := Middleware("daps_hs256", secret)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatalf("principal missing")
		}
		if p.Connector != "https://consumer.example/connector" {
			t.Fatalf("unexpected connector %s", p.Connector)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ids/data", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"Operator", "Admin"}}
	if !HasAnyRole(p, "admin") {
		t.Fatal("expected case-insensitive role match")
	}
	if HasAnyRole(p, "auditor") {
		t.Fatal("unexpected role match")
	}
	if !HasAnyRole(p) {
		t.Fatal("empty requirement should pass")
	}
}

func signRS256(t *testing.T, claims map[string]any, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "RS256", "kid": kid})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	digest := sha256.Sum256([]byte(h + "." + p))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign rs256: %v", err)
	}
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestVerifyRS256TokenAgainstJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e := big.NewInt(int64(key.PublicKey.E))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": "daps-key-1",
				"kty": "RSA",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(e.Bytes()),
			}},
		})
	}))
	defer srv.Close()

	tok := signRS256(t, map[string]any{
		"sub": "https://provider.example/connector",
		"iss": "https://daps.example",
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	}, key, "daps-key-1")

	cache := newJWKSCache(srv.URL, time.Second)
	claims, err := VerifyRS256Token(tok, time.Now().UTC(), cache, "https://daps.example", "")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Sub != "https://provider.example/connector" {
		t.Fatalf("unexpected sub: %q", claims.Sub)
	}

	if _, err := VerifyRS256Token(tok, time.Now().UTC(), cache, "https://other.example", ""); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestIsValidURL(t *testing.T) {
	if !IsValidURL("https://provider.example/api/ids/data") {
		t.Fatal("expected valid url")
	}
	if IsValidURL("not a url") || IsValidURL("") {
		t.Fatal("expected invalid url")
	}
}
