package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrDecode = errors.New("malformed credential")

const adminRole = "ROLE_ADMIN"

// Claims are the fields this client reads out of a bearer token.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// Identity is the decoded view of the current user.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
	Expiry   time.Time
}

func (id Identity) IsAdmin() bool {
	for _, r := range id.Roles {
		if r == adminRole {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the token was already expired at the given
// instant. Tokens without an exp claim never report expired here; the
// session gate treats stored expiry as authoritative anyway.
func (id Identity) ExpiredAt(now time.Time) bool {
	return !id.Expiry.IsZero() && now.After(id.Expiry)
}

// Decode parses the claims of a bearer token without verifying its
// signature or expiry. Verification is the backend's job; the client
// only needs the identity baked into the token. Malformed input fails
// with ErrDecode, it never panics.
func Decode(token string) (Identity, error) {
	var claims Claims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrDecode)
	}

	id := Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		Roles:    claims.Roles,
	}
	if claims.ExpiresAt != nil {
		id.Expiry = claims.ExpiresAt.Time
	}
	return id, nil
}
