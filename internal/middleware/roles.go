package middleware

import (
	"net/http"

	"github.com/mmeshcher/servicedesk/internal/model"
)

// RequireRole пропускает запрос дальше, только если роль пользователя
// совпадает с требуемой. Ставится после AuthMiddleware: отсутствие
// пользователя в контексте означает ошибку конфигурации маршрута и
// возвращается как 401, а не как паника.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			if !user.HasRole(role) {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
