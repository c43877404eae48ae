package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Options struct {
	// Issuer is the expected iss claim; the JWKS URL is derived from it when
	// JWKSURL is empty.
	Issuer   string
	Audience string
	JWKSURL  string

	HTTPTimeout time.Duration
	CacheTTL    time.Duration
	Leeway      time.Duration

	// TestSecret enables HS256 verification for local testing. Never set in
	// production.
	TestSecret []byte
}

// Verifier validates bearer tokens against a remote JWKS. Public keys are
// cached by kid; refresh is serialized so a burst of unknown-kid requests
// triggers a single fetch.
type Verifier struct {
	jwksURL  string
	issuer   string
	audience string

	client     *http.Client
	cacheTTL   time.Duration
	leeway     time.Duration
	testSecret []byte

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu sync.Mutex
}

func NewVerifier(opts Options) (*Verifier, error) {
	if opts.Issuer == "" {
		return nil, errors.New("auth: issuer required")
	}
	jwksURL := opts.JWKSURL
	if jwksURL == "" {
		jwksURL = opts.Issuer + ".well-known/jwks.json"
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	leeway := opts.Leeway
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{
		jwksURL:    jwksURL,
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		client:     &http.Client{Timeout: timeout},
		cacheTTL:   ttl,
		leeway:     leeway,
		testSecret: opts.TestSecret,
		keys:       make(map[string]*rsa.PublicKey),
	}, nil
}

// Verify checks signature, issuer, audience and time claims, returning the
// principal on success. Rejections are *TokenError; JWKS outages surface as
// ErrKeyUnavailable.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Principal, error) {
	if tokenStr == "" {
		return nil, tokenErr(FailureMalformed, errors.New("empty token"))
	}

	algs := []string{"RS256"}
	if len(v.testSecret) > 0 {
		algs = append(algs, "HS256")
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(algs),
		// Time and audience claims are validated below with leeway.
		jwt.WithoutClaimsValidation(),
	)

	var keyUnavailable error
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() == "HS256" {
			return v.testSecret, nil
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, err := v.signingKey(ctx, kid)
		if errors.Is(err, ErrKeyUnavailable) {
			keyUnavailable = err
		}
		return key, err
	})
	if keyUnavailable != nil {
		return nil, keyUnavailable
	}
	if err != nil || tok == nil || !tok.Valid {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, tokenErr(FailureMalformed, err)
		default:
			return nil, tokenErr(FailureSignature, err)
		}
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	p := principalFromClaims(claims, tokenStr)
	if p.Subject == "" {
		return nil, tokenErr(FailureMalformed, errors.New("missing sub"))
	}
	return p, nil
}

func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	now := time.Now().Unix()
	leeway := int64(v.leeway.Seconds())

	iss, _ := claims["iss"].(string)
	if iss != v.issuer {
		return tokenErr(FailureIssuer, fmt.Errorf("issuer %q", iss))
	}

	if v.audience != "" {
		hit := false
		for _, a := range audiences(claims["aud"]) {
			if a == v.audience {
				hit = true
				break
			}
		}
		if !hit {
			return tokenErr(FailureAudience, errors.New("audience mismatch"))
		}
	}

	exp, ok := asInt64(claims["exp"])
	if !ok {
		return tokenErr(FailureMalformed, errors.New("missing exp"))
	}
	if now > exp+leeway {
		return tokenErr(FailureExpired, errors.New("token expired"))
	}

	if nbf, ok := asInt64(claims["nbf"]); ok && now < nbf-leeway {
		return tokenErr(FailureExpired, errors.New("token not yet valid"))
	}
	if iat, ok := asInt64(claims["iat"]); ok && iat > now+leeway {
		return tokenErr(FailureMalformed, errors.New("iat in the future"))
	}
	return nil
}

func audiences(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func (v *Verifier) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key := v.keys[kid]
	fresh := time.Since(v.fetchedAt) < v.cacheTTL
	v.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	if err := v.refresh(ctx, kid); err != nil {
		// A stale key beats no key while the issuer is unreachable.
		v.mu.RLock()
		key = v.keys[kid]
		v.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}

	v.mu.RLock()
	key = v.keys[kid]
	v.mu.RUnlock()
	if key == nil {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

// refreshMissCooldown bounds how often an unknown kid can force a fetch, so
// tokens with bogus kids cannot hammer the issuer.
const refreshMissCooldown = 10 * time.Second

func (v *Verifier) refresh(ctx context.Context, kid string) error {
	// Serialize refreshes so concurrent cache misses produce one fetch.
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	v.mu.RLock()
	_, known := v.keys[kid]
	age := time.Since(v.fetchedAt)
	v.mu.RUnlock()
	// A fresh cache only settles the miss if it already holds the kid;
	// otherwise the key may have just rotated and a fetch is warranted.
	if age < v.cacheTTL && known {
		return nil
	}
	if age < refreshMissCooldown {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("jwks http %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return err
	}

	next := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKey(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("jwks: no usable rsa keys")
	}

	v.mu.Lock()
	v.keys = next
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return nil
}

// Stats is the admin-surface view of the key cache.
type Stats struct {
	URL       string    `json:"url"`
	KeyCount  int       `json:"key_count"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (v *Verifier) Stats() Stats {
	if v == nil {
		return Stats{}
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Stats{URL: v.jwksURL, KeyCount: len(v.keys), FetchedAt: v.fetchedAt}
}

func rsaKey(nStr string, eStr string) (*rsa.PublicKey, error) {
	if nStr == "" || eStr == "" {
		return nil, errors.New("missing n/e")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || e.Sign() <= 0 {
		return nil, errors.New("bad rsa params")
	}
	if !e.IsInt64() {
		return nil, errors.New("rsa exponent too large")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
