// Package middleware содержит HTTP middleware сервиса заявок.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mmeshcher/servicedesk/internal/auth"
	"github.com/mmeshcher/servicedesk/internal/model"
	"github.com/mmeshcher/servicedesk/internal/repository"
)

type contextKey string

const userKey contextKey = "user"

// UserSource описывает контракт загрузки пользователя по идентификатору.
// Отсутствие пользователя обозначается ошибкой repository.ErrUserNotFound.
type UserSource interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
}

// AuthMiddleware выполняет аутентификацию по Bearer-токену.
// Пользователь загружается из хранилища на каждом запросе, поэтому роль
// в токене не фиксируется и всегда актуальна.
type AuthMiddleware struct {
	tokens *auth.TokenManager
	users  UserSource
}

// NewAuthMiddleware создаёт middleware аутентификации.
func NewAuthMiddleware(tokens *auth.TokenManager, users UserSource) *AuthMiddleware {
	return &AuthMiddleware{
		tokens: tokens,
		users:  users,
	}
}

// Middleware проверяет заголовок Authorization и кладёт пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, err := a.tokens.ParseToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		user, err := a.users.GetUserByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		if !user.IsActive {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext извлекает аутентифицированного пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userKey).(*model.User)
	return user, ok
}
