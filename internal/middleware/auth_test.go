package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mmeshcher/library-system/internal/model"
)

func TestAuthMiddleware_WithValidCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		identity, ok := GetIdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity not in context")
		}
		if identity.MemberID != "member-42" {
			t.Fatalf("member id from context = %s, want member-42", identity.MemberID)
		}
		if identity.Role != model.RoleMember {
			t.Fatalf("role from context = %s, want member", identity.Role)
		}
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	m.SetAuthCookie(w, "member-42", model.RoleMember)
	res := w.Result()
	resCookies := res.Cookies()
	if len(resCookies) == 0 {
		t.Fatalf("no cookies set by SetAuthCookie")
	}

	r.AddCookie(resCookies[0])

	handler := m.Middleware(next)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_WithoutCookie(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/protected", nil)

	handler := m.Middleware(next)
	handler.ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_TamperedCookieRejected(t *testing.T) {
	m := NewAuthMiddleware("test-secret")
	other := NewAuthMiddleware("other-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	// Cookie подписан другим ключом.
	w := httptest.NewRecorder()
	other.SetAuthCookie(w, "member-42", model.RoleAdmin)
	cookie := w.Result().Cookies()[0]

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.AddCookie(cookie)

	rec := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rec, r)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRequireAdmin(t *testing.T) {
	m := NewAuthMiddleware("test-secret")

	adminCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminCalled = true
	})

	protected := m.Middleware(m.RequireAdmin(next))

	// Обычный читатель получает 403.
	w := httptest.NewRecorder()
	m.SetAuthCookie(w, "member-1", model.RoleMember)
	memberCookie := w.Result().Cookies()[0]

	r := httptest.NewRequest(http.MethodGet, "/admin", nil)
	r.AddCookie(memberCookie)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, r)

	if rec.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("member status = %d, want %d", rec.Result().StatusCode, http.StatusForbidden)
	}
	if adminCalled {
		t.Fatalf("admin handler called for plain member")
	}

	// Администратор проходит.
	w = httptest.NewRecorder()
	m.SetAuthCookie(w, "admin-1", model.RoleAdmin)
	adminCookie := w.Result().Cookies()[0]

	r = httptest.NewRequest(http.MethodGet, "/admin", nil)
	r.AddCookie(adminCookie)
	protected.ServeHTTP(httptest.NewRecorder(), r)

	if !adminCalled {
		t.Fatalf("admin handler was not called for admin")
	}
}
