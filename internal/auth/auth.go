// Package auth defines the token-verification contract the connection
// manager delegates to. Token issuance and storage live with an external
// identity service; the server only checks tokens presented on
// authenticate messages.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification or
// does not belong to the claimed user.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier checks a token presented by a client. On success it returns the
// verified user id, which may differ from what the client claimed only by
// rejection: a token/userId mismatch is a failure, never a silent remap.
type Verifier interface {
	Verify(ctx context.Context, token, userID string) (string, error)
}

// Claims is the JWT claim set issued by the identity service.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString, userID string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	verified := claims.UserID
	if verified == "" {
		verified = claims.Subject
	}
	if verified == "" || (userID != "" && verified != userID) {
		return "", ErrInvalidToken
	}
	return verified, nil
}

// IssueToken signs a token for userID. Only used by tests and local
// tooling; production tokens come from the identity service.
func (v *JWTVerifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// StaticVerifier maps tokens to user ids from a fixed table. Handy for
// dev environments without an identity service.
type StaticVerifier struct {
	tokens map[string]string
}

func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticVerifier{tokens: copied}
}

func (v *StaticVerifier) Verify(_ context.Context, token, userID string) (string, error) {
	owner, ok := v.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	if userID != "" && owner != userID {
		return "", ErrInvalidToken
	}
	return owner, nil
}
