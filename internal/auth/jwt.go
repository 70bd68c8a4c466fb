// Package auth validates the two token shapes this service accepts: short
// lived backend tokens signed by this service itself (HS256, or RS256 once
// a backend signing key is configured), and external identity-provider
// access tokens (RS256, verified against the IdP's published JWKS).
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTCfg configures validation and, optionally, backend token signing.
type JWTCfg struct {
	// Issuer and Audience describe the external identity provider.
	// AcceptedAudiences lists additional audiences tolerated alongside
	// Audience (e.g. an MCP resource URL distinct from the REST API
	// audience). When both Audience and AcceptedAudiences are empty,
	// audience validation is skipped entirely — Dynamic Client
	// Registration issues tokens with an unpredictable client-id audience.
	Issuer            string
	Audience          string
	AcceptedAudiences []string
	JWKSURL           string

	// HS256Secret signs/validates backend tokens when no RS256 signer is
	// configured.
	HS256Secret string

	// BackendRSAPrivateKeyPEM and BackendKeyID configure RS256 backend
	// token signing, preferred over HS256 when both are set.
	BackendRSAPrivateKeyPEM string
	BackendKeyID            string
}

const backendIssuer = "toolbridge-api"

func isBackendToken(claims jwt.MapClaims) bool {
	if tokenType, _ := claims["token_type"].(string); tokenType == "backend" {
		return true
	}
	iss, _ := claims["iss"].(string)
	return iss == backendIssuer
}

// BackendSigner holds the RS256 keypair used to sign backend tokens, when
// configured.
type BackendSigner struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	KeyID      string
}

var backendSigner *BackendSigner

// InitBackendSigner parses cfg's PEM-encoded RSA private key (PKCS#1 or
// PKCS#8) and installs it as the process-wide backend signer. A config with
// no key configured is a no-op, not an error.
func InitBackendSigner(cfg JWTCfg) error {
	if cfg.BackendRSAPrivateKeyPEM == "" && cfg.BackendKeyID == "" {
		return nil
	}
	if cfg.BackendKeyID == "" {
		return fmt.Errorf("BackendKeyID must be set when BackendRSAPrivateKeyPEM is configured")
	}

	block, _ := pem.Decode([]byte(cfg.BackendRSAPrivateKeyPEM))
	if block == nil {
		return fmt.Errorf("failed to decode PEM block for backend signing key")
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("auth: parse backend signing key: %w", err)
	}

	backendSigner = &BackendSigner{PrivateKey: key, PublicKey: &key.PublicKey, KeyID: cfg.BackendKeyID}
	return nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#8 key is not an RSA key")
	}
	return key, nil
}

// SignBackendToken signs claims as a backend token, preferring RS256 (via
// InitBackendSigner) and falling back to HS256 with cfg.HS256Secret.
func SignBackendToken(claims jwt.MapClaims, cfg JWTCfg) (string, error) {
	if backendSigner != nil {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = backendSigner.KeyID
		return token.SignedString(backendSigner.PrivateKey)
	}
	if cfg.HS256Secret != "" {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return token.SignedString([]byte(cfg.HS256Secret))
	}
	return "", fmt.Errorf("no signing method available for backend token")
}

// jwksCache holds a time-limited cache of an issuer's JSON Web Key Set.
type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	cacheTTL  time.Duration
}

var globalJWKSCache *jwksCache

func defaultJWKSCache() *jwksCache {
	return &jwksCache{keys: map[string]*rsa.PublicKey{}, cacheTTL: 1 * time.Hour}
}

type jwksDoc struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (c *jwksCache) get(kid string, jwksURL string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	stale := time.Since(c.lastFetch) > c.cacheTTL
	c.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}

	if err := c.refresh(jwksURL); err != nil {
		if ok {
			// Serve the stale key rather than fail outright on a
			// transient fetch error.
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth: kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *jwksCache) refresh(jwksURL string) error {
	resp, err := http.Get(jwksURL)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	modulus := new(big.Int).SetBytes(nBytes)
	exponent := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

func defaultJWKSURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
}

// ValidateToken verifies tokenString against cfg and returns the subject
// claim plus the full claim set. Backend tokens (token_type "backend", or
// the legacy issuer "toolbridge-api" with no token_type) skip external IdP
// issuer/audience checks entirely; every other token is validated against
// cfg.Issuer and, when configured, cfg.Audience/cfg.AcceptedAudiences.
func ValidateToken(tokenString string, cfg JWTCfg) (string, jwt.MapClaims, error) {
	var resolvedClaims jwt.MapClaims

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if ok {
			resolvedClaims = claims
		}

		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			if cfg.HS256Secret == "" {
				return nil, fmt.Errorf("HS256 token presented but no HS256Secret configured")
			}
			return []byte(cfg.HS256Secret), nil

		case *jwt.SigningMethodRSA:
			kid, _ := t.Header["kid"].(string)

			if backendSigner != nil && kid == backendSigner.KeyID {
				return backendSigner.PublicKey, nil
			}

			cache := globalJWKSCache
			if cache == nil {
				return nil, fmt.Errorf("no JWKS cache configured")
			}
			jwksURL := cfg.JWKSURL
			if jwksURL == "" {
				jwksURL = defaultJWKSURL(cfg.Issuer)
			}
			return cache.get(kid, jwksURL)

		default:
			return nil, fmt.Errorf("unsupported signing method %v", t.Header["alg"])
		}
	})
	if err != nil {
		return "", nil, fmt.Errorf("jwt validation failed: %w", err)
	}
	if !token.Valid {
		return "", nil, fmt.Errorf("jwt validation failed: token invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, fmt.Errorf("jwt validation failed: unexpected claims type")
	}

	if !isBackendToken(claims) {
		iss, _ := claims["iss"].(string)
		if cfg.Issuer != "" && iss != cfg.Issuer {
			return "", nil, fmt.Errorf("invalid issuer: %s", iss)
		}

		if cfg.Audience != "" || len(cfg.AcceptedAudiences) > 0 {
			accepted := append([]string{cfg.Audience}, cfg.AcceptedAudiences...)
			if !audienceMatches(claims["aud"], accepted) {
				return "", nil, fmt.Errorf("invalid audience: %v", claims["aud"])
			}
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", nil, fmt.Errorf("missing or invalid sub claim")
	}

	return sub, claims, nil
}

func audienceMatches(aud any, accepted []string) bool {
	acceptedSet := make(map[string]struct{}, len(accepted))
	for _, a := range accepted {
		if a != "" {
			acceptedSet[a] = struct{}{}
		}
	}

	switch v := aud.(type) {
	case string:
		_, ok := acceptedSet[v]
		return ok
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if _, found := acceptedSet[s]; found {
				return true
			}
		}
		return false
	default:
		return false
	}
}
