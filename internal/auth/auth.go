// Package auth is the boundary to the external identity collaborator.
// The chat core only verifies bearer tokens; issuing them is someone
// else's job.
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/deskline/deskline/internal/chat"
	"github.com/deskline/deskline/internal/models"
)

// Claims is the identity attached to a verified token.
type Claims struct {
	UserID int64
	Role   models.UserRole
}

// Verifier validates bearer tokens presented on requests.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// JWTVerifier validates HMAC-signed JWTs issued by the identity service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token, returning the caller's
// identity. Any parse, signature or expiry failure maps to ErrUnauthorized.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, chat.ErrUnauthorized
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, chat.ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, chat.ErrUnauthorized
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, chat.ErrUnauthorized
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, chat.ErrUnauthorized
	}

	role := models.RoleEndUser
	if r, ok := claims["role"].(string); ok && r != "" {
		role = models.UserRole(r)
	}

	return &Claims{UserID: userID, Role: role}, nil
}

// IssueToken mints a token the verifier accepts. Test and development
// helper; production tokens come from the identity service.
func IssueToken(secret string, userID int64, role models.UserRole, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.FormatInt(userID, 10),
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
