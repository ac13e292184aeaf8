// Package auth verifies the two credentials the core accepts: admin JWTs
// for the audit/integrity surface and the shared scheduler secret for the
// distribution trigger.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNotAdmin     = errors.New("admin role required")
)

// RoleAdmin is the role claim required for the internal/admin surface.
const RoleAdmin = "admin"

// Claims is the JWT payload for operator tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Service validates operator tokens and the scheduler secret.
type Service struct {
	jwtSecret       []byte
	schedulerSecret string
}

// NewService creates the auth service.
func NewService(jwtSecret, schedulerSecret string) *Service {
	return &Service{
		jwtSecret:       []byte(jwtSecret),
		schedulerSecret: schedulerSecret,
	}
}

// IssueToken mints an operator JWT. Used by provisioning tooling and
// tests; the core itself has no login flow.
func (s *Service) IssueToken(userID, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// VerifyAdmin parses a bearer token and requires the admin role.
func (s *Service) VerifyAdmin(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	return claims, nil
}

// VerifyScheduler checks the shared secret presented by the external
// scheduler in constant time.
func (s *Service) VerifyScheduler(presented string) error {
	presented = strings.TrimPrefix(presented, "Bearer ")
	if s.schedulerSecret == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.schedulerSecret)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
