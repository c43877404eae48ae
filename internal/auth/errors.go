package auth

import (
	"errors"
	"fmt"
)

// FailureCode classifies why a token was rejected.
type FailureCode string

const (
	FailureMalformed FailureCode = "MALFORMED"
	FailureSignature FailureCode = "INVALID_SIGNATURE"
	FailureExpired   FailureCode = "EXPIRED"
	FailureIssuer    FailureCode = "ISSUER_MISMATCH"
	FailureAudience  FailureCode = "AUDIENCE_MISMATCH"
)

// ErrKeyUnavailable marks an infrastructure failure (JWKS unreachable), not a
// bad token. Protected routes answer 503 in that case, not 401.
var ErrKeyUnavailable = errors.New("auth: signing keys unavailable")

// TokenError is a typed token rejection.
type TokenError struct {
	Code FailureCode
	err  error
}

func tokenErr(code FailureCode, err error) *TokenError {
	return &TokenError{Code: code, err: err}
}

func (e *TokenError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("token rejected (%s): %v", e.Code, e.err)
	}
	return fmt.Sprintf("token rejected (%s)", e.Code)
}

func (e *TokenError) Unwrap() error { return e.err }

// CodeOf extracts the failure code, defaulting to MALFORMED.
func CodeOf(err error) FailureCode {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Code
	}
	return FailureMalformed
}
