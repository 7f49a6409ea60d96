package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerMintsVerifiableToken(t *testing.T) {
	issuer := &TokenIssuer{
		Secret:          "secret",
		Subject:         "https://provider.example/connector",
		Issuer:          "https://daps.example",
		Audience:        "idsc:IDS_CONNECTORS_ALL",
		SecurityProfile: "BASE_SECURITY_PROFILE",
		TTL:             time.Minute,
	}
	tok, err := issuer.CurrentToken(context.Background())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := VerifyHS256Token(tok, "secret", time.Now().UTC(), "https://daps.example", "idsc:IDS_CONNECTORS_ALL")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ReferringConnector != "https://provider.example/connector" {
		t.Fatalf("unexpected referringConnector: %q", claims.ReferringConnector)
	}
	if claims.SecurityProfile != "BASE_SECURITY_PROFILE" {
		t.Fatalf("unexpected securityProfile: %q", claims.SecurityProfile)
	}
}

func TestTokenIssuerCachesUntilNearExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := &TokenIssuer{
		Secret:  "secret",
		Subject: "connector-1",
		TTL:     time.Minute,
		now:     func() time.Time { return now },
	}
	first, err := issuer.CurrentToken(context.Background())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	now = now.Add(10 * time.Second)
	second, err := issuer.CurrentToken(context.Background())
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if first != second {
		t.Fatal("expected cached token within lifetime")
	}
	now = now.Add(50 * time.Second)
	third, err := issuer.CurrentToken(context.Background())
	if err != nil {
		t.Fatalf("reissue after expiry: %v", err)
	}
	if third == first {
		t.Fatal("expected fresh token after expiry")
	}
	if _, err := VerifyHS256Token(third, "secret", now, "", ""); err != nil {
		t.Fatalf("fresh token invalid: %v", err)
	}
}

func TestTokenIssuerRequiresSecretAndSubject(t *testing.T) {
	if _, err := (&TokenIssuer{Subject: "c"}).CurrentToken(context.Background()); err == nil {
		t.Fatal("expected secret error")
	}
	if _, err := (&TokenIssuer{Secret: "s"}).CurrentToken(context.Background()); err == nil {
		t.Fatal("expected subject error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&TokenIssuer{Secret: "s", Subject: "c"}).CurrentToken(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
