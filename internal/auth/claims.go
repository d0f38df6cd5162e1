package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shopmesh/orderflow/internal/domain"
)

// Claims identify the caller behind a bearer token.
type Claims struct {
	UserID   int64       `json:"user_id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     domain.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a single shared key.
type Verifier struct {
	key    []byte
	issuer string
	parser *jwt.Parser
}

func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &Verifier{
		key:    []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthentic, err)
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: token has no user_id", domain.ErrUnauthentic)
	}
	if claims.Role == "" {
		claims.Role = domain.RoleCustomer
	}
	return claims, nil
}

// Issue signs claims valid for ttl. It is used by tooling and tests; the
// identity provider issues production tokens.
func (v *Verifier) Issue(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
