package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// TokenIssuer mints HS256 DATs for outbound messages and caches them
// until shortly before expiry. It satisfies the identity provider
// contract of the negotiation package.
type TokenIssuer struct {
	Secret          string
	Subject         string
	Issuer          string
	Audience        string
	SecurityProfile string
	TTL             time.Duration

	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (i *TokenIssuer) CurrentToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(i.Secret) == "" {
		return "", errors.New("token secret is required")
	}
	if strings.TrimSpace(i.Subject) == "" {
		return "", errors.New("token subject is required")
	}
	nowFn := i.now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	now := nowFn()
	ttl := i.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	// Reissue once less than a tenth of the lifetime remains.
	if i.token != "" && now.Add(ttl/10).Before(i.expires) {
		return i.token, nil
	}
	expires := now.Add(ttl)
	claims := map[string]any{
		"sub":                i.Subject,
		"referringConnector": i.Subject,
		"iat":                now.Unix(),
		"exp":                expires.Unix(),
	}
	if i.Issuer != "" {
		claims["iss"] = i.Issuer
	}
	if i.Audience != "" {
		claims["aud"] = i.Audience
	}
	if i.SecurityProfile != "" {
		claims["securityProfile"] = i.SecurityProfile
	}
	token, err := SignHS256(claims, i.Secret)
	if err != nil {
		return "", err
	}
	i.token = token
	i.expires = expires
	return token, nil
}

// SignHS256 produces a compact JWT over the given claim set.
func SignHS256(claims map[string]any, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerRaw, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
