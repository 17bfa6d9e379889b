// Package middleware содержит HTTP middleware библиотечного сервиса.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/library-system/internal/model"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 30 * 24 * time.Hour
)

// Identity описывает аутентифицированного читателя: кто выполняет запрос и с
// какой ролью. Передаётся через контекст запроса вместо глобального состояния.
type Identity struct {
	MemberID string
	Role     model.MemberRole
}

// AuthMiddleware выполняет проверку аутентификации по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет личность читателя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		identity, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только запросы с ролью администратора.
// Вешается после Middleware.
func (a *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentityFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if identity.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного читателя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, memberID string, role model.MemberRole) {
	value := a.sign(memberID + ":" + string(role))

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// ClearAuthCookie сбрасывает cookie авторизации.
func (a *AuthMiddleware) ClearAuthCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	signature := mac.Sum(nil)
	return payload + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (Identity, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return Identity{}, false
	}

	payload := parts[0]
	signature := parts[1]

	expected := a.sign(payload)
	expectedParts := strings.Split(expected, ".")
	if len(expectedParts) != 2 {
		return Identity{}, false
	}

	if !hmac.Equal([]byte(signature), []byte(expectedParts[1])) {
		return Identity{}, false
	}

	fields := strings.Split(payload, ":")
	if len(fields) != 2 || fields[0] == "" {
		return Identity{}, false
	}

	role := model.MemberRole(fields[1])
	if role != model.RoleAdmin && role != model.RoleMember {
		return Identity{}, false
	}

	return Identity{MemberID: fields[0], Role: role}, true
}

// GetIdentityFromContext извлекает личность читателя из контекста запроса.
func GetIdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}
