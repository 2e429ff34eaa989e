package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// Role is the control API permission level carried in a token.
type Role string

const (
	// RoleViewer may read dumps and stats.
	RoleViewer Role = "viewer"
	// RoleOperator may additionally pause, resume and close media
	// objects.
	RoleOperator Role = "operator"
)

type AuthService interface {
	GenerateToken(subject string, role Role) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	HasRole(claims *Claims, required Role) bool
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	accessTokenTTL time.Duration
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		accessTokenTTL: accessTokenTTL,
	}
}

func (s *authService) GenerateToken(subject string, role Role) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// HasRole reports whether the claims satisfy the required permission
// level.
func (s *authService) HasRole(claims *Claims, required Role) bool {
	roleHierarchy := map[Role]int{
		RoleViewer:   1,
		RoleOperator: 2,
	}
	return roleHierarchy[claims.Role] >= roleHierarchy[required]
}
