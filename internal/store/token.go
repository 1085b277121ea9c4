package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	userIdClaim    = "sub"
	userNameClaim  = "name"
	userImageClaim = "picture"
	expClaim       = "exp"
	iatClaim       = "iat"
)

var ErrInvalidToken = errors.New("invalid token")

// SignToken issues an HS256 token identifying the acting user.
func SignToken(key []byte, actor types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:    actor.UserId,
		userNameClaim:  actor.DisplayName,
		userImageClaim: actor.AvatarUrl,
		iatClaim:       now.Unix(),
		expClaim:       now.Add(ttl).Unix(),
	})

	return token.SignedString(key)
}

// VerifyToken validates a token issued by SignToken and returns the
// identity it carries.
func VerifyToken(key []byte, tokenString string) (types.Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	userId, _ := claims[userIdClaim].(string)
	if userId == "" {
		return types.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	name, _ := claims[userNameClaim].(string)
	image, _ := claims[userImageClaim].(string)

	return types.Identity{
		UserId:      userId,
		DisplayName: name,
		AvatarUrl:   image,
	}, nil
}
