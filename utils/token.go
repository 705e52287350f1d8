package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidCrewToken = errors.New("invalid crew token")

// CrewClaims is the capability a crew member holds: access to one organization's
// crew surface and nothing else.
type CrewClaims struct {
	OrganizationId string `json:"organization_id"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

func CrewTokenGenerate(secret string, orgID string, lifetime time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("crew token secret is empty")
	}
	if orgID == "" {
		return "", errors.New("organization id is required")
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &CrewClaims{
		OrganizationId: orgID,
		Role:           RoleCrew,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   orgID,
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	return t.SignedString([]byte(secret))
}

func CrewTokenValidate(secret string, token string) (*CrewClaims, error) {
	if secret == "" {
		return nil, ErrInvalidCrewToken
	}
	parsed, err := jwt.ParseWithClaims(token, &CrewClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCrewToken, err)
	}
	claims, ok := parsed.Claims.(*CrewClaims)
	if !ok || !parsed.Valid || claims.OrganizationId == "" || claims.Role != RoleCrew {
		return nil, ErrInvalidCrewToken
	}
	return claims, nil
}
