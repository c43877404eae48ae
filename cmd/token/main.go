// Mints an HS256 token for gateways running with auth.test_secret set.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var (
		secret      = flag.String("secret", "", "shared HS256 secret (required)")
		issuer      = flag.String("issuer", "http://localhost:9100/", "iss claim")
		audience    = flag.String("audience", "gateway", "aud claim")
		sub         = flag.String("sub", "user_local", "sub claim")
		email       = flag.String("email", "", "email claim")
		permissions = flag.String("permissions", "", "comma-separated permissions claim")
		roles       = flag.String("roles", "", "comma-separated roles claim")
		ttl         = flag.Duration("ttl", time.Hour, "token lifetime")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "-secret is required")
		os.Exit(2)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": *issuer,
		"aud": *audience,
		"sub": *sub,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(*ttl).Unix(),
	}
	if *email != "" {
		claims["email"] = *email
	}
	if *permissions != "" {
		claims["permissions"] = strings.Split(*permissions, ",")
	}
	if *roles != "" {
		claims["roles"] = strings.Split(*roles, ",")
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(signed)
}
