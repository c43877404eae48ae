// Mock identity provider for local development: serves a JWKS endpoint and
// mints RS256 tokens against it.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"flag"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/logging"
)

func main() {
	var (
		addr     = flag.String("addr", ":9100", "listen address")
		issuer   = flag.String("issuer", "http://localhost:9100/", "iss claim and JWKS base")
		audience = flag.String("audience", "gateway", "aud claim")
		ttl      = flag.Duration("ttl", time.Hour, "token lifetime")
	)
	flag.Parse()

	log, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatal("keygen failed", zap.Error(err))
	}
	kid := uuid.NewString()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": kid,
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})

	// GET /token?sub=user_123&email=a@b.c&permissions=orders:read,orders:write
	mux.HandleFunc("GET /token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sub := q.Get("sub")
		if sub == "" {
			sub = "user_" + uuid.NewString()[:8]
		}
		now := time.Now()
		claims := jwt.MapClaims{
			"iss": *issuer,
			"aud": *audience,
			"sub": sub,
			"iat": now.Unix(),
			"nbf": now.Unix(),
			"exp": now.Add(*ttl).Unix(),
		}
		if email := q.Get("email"); email != "" {
			claims["email"] = email
		}
		if perms := q.Get("permissions"); perms != "" {
			claims["permissions"] = strings.Split(perms, ",")
		}
		if roles := q.Get("roles"); roles != "" {
			claims["roles"] = strings.Split(roles, ",")
		}

		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		signed, err := tok.SignedString(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": signed,
			"token_type":   "Bearer",
			"expires_in":   int((*ttl).Seconds()),
		})
	})

	log.Info("jwks mock listening",
		zap.String("addr", *addr),
		zap.String("issuer", *issuer))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal("jwks mock exited", zap.Error(err))
	}
}
