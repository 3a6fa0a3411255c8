package session

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pulsedb/pulse/pkg/apperror"
	"github.com/pulsedb/pulse/pkg/auth"
)

// IdentityProvider validates the token carried by an Authenticate message
// and binds it to auth.Identity. Implementations cover the OIDC and
// custom-JWT cases left pluggable by §4.8.
type IdentityProvider interface {
	Validate(ctx context.Context, token string) (auth.Identity, error)
}

// JWTProvider validates HMAC-signed custom JWTs, the "custom JWT identity
// provider" path of §4.8.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider constructs a provider that verifies tokens signed with
// secret and (if non-empty) issued by issuer.
func NewJWTProvider(secret []byte, issuer string) *JWTProvider {
	return &JWTProvider{secret: secret, issuer: issuer}
}

// Validate parses and verifies token, returning the bound identity.
func (p *JWTProvider) Validate(_ context.Context, token string) (auth.Identity, error) {
	claims := &jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("session: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return auth.Identity{}, apperror.New(apperror.Unauthorized, "session.invalid_token", "token is invalid or expired")
	}

	if p.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != p.issuer {
			return auth.Identity{}, apperror.New(apperror.Unauthorized, "session.wrong_issuer", "token issuer mismatch")
		}
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return auth.Identity{}, apperror.New(apperror.Unauthorized, "session.missing_subject", "token has no subject")
	}

	out := make(map[string]interface{}, len(*claims))
	for k, v := range *claims {
		out[k] = v
	}
	return auth.User(subject, out), nil
}
