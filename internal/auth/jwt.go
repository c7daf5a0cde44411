package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 tokens minted by the task platform's session
// service. Only the signature and standard time claims are checked here; the
// relay does not interpret application claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret)}
}

func (v JWTVerifier) Verify(token string) error {
	if token == "" || len(v.secret) == 0 {
		return ErrInvalidCredentials
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return ErrInvalidCredentials
	}
	return nil
}
