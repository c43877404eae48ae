package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the verified caller identity derived from a JWT.
type Principal struct {
	Subject     string
	Email       string
	Name        string
	Permissions []string
	Roles       []string
	RawToken    string
}

func principalFromClaims(claims jwt.MapClaims, raw string) *Principal {
	p := &Principal{RawToken: raw}
	p.Subject, _ = claims["sub"].(string)
	p.Email, _ = claims["email"].(string)
	p.Name, _ = claims["name"].(string)
	p.Permissions = stringList(claims["permissions"])
	if len(p.Permissions) == 0 {
		if scope, _ := claims["scope"].(string); scope != "" {
			p.Permissions = strings.Fields(scope)
		}
	}
	p.Roles = stringList(claims["roles"])
	return p
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// CandidateSubject pulls the unverified sub claim out of a token so repeated
// failures can be attributed to an account before the signature ever checks
// out. Never use the result as an identity.
func CandidateSubject(tokenStr string) string {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Sub
}
