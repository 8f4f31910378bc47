// Package auth mints and verifies room-join tokens. The role a participant
// joins with comes from a signed claim, not from anything the client asserts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meshcall/meshcall/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid room token")
	ErrWrongRoom    = errors.New("token issued for a different room")
)

// RoomClaims carries the room binding and the granted role.
type RoomClaims struct {
	Room string `json:"room"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// MintRoomToken signs a join token for one room with the given role.
func MintRoomToken(secret string, room domain.RoomID, role domain.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RoomClaims{
		Room: string(room),
		Role: role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyRoomToken checks the signature and expiry and returns the role the
// token grants for the given room.
func VerifyRoomToken(secret, tokenString string, room domain.RoomID) (domain.Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return domain.RoleMember, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return domain.RoleMember, ErrInvalidToken
	}
	if claims.Room != string(room) {
		return domain.RoleMember, ErrWrongRoom
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return domain.RoleMember, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return role, nil
}
