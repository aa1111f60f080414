// Package auth реализует выпуск и проверку JWT-токенов доступа.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken возвращается, если токен не прошёл проверку подписи или срока действия.
var ErrInvalidToken = errors.New("invalid token")

const tokenTTL = 24 * time.Hour

// TokenManager выпускает и проверяет токены, подписанные общим секретом.
type TokenManager struct {
	secretKey []byte
}

// NewTokenManager создаёт менеджер токенов с указанным секретным ключом.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secretKey: []byte(secret)}
}

// GenerateToken выпускает токен для пользователя с указанным идентификатором.
func (tm *TokenManager) GenerateToken(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// ParseToken проверяет токен и возвращает идентификатор пользователя.
// Роль в токене не хранится: её читают из хранилища на каждом запросе,
// чтобы токен не переживал смену роли.
func (tm *TokenManager) ParseToken(tokenStr string) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return tm.secretKey, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrInvalidToken
	}

	idFloat, ok := claims["user_id"].(float64)
	if !ok {
		return 0, ErrInvalidToken
	}

	return int64(idFloat), nil
}
