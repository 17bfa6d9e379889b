package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/library-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware библиотечного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)
		r.Post("/user/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/books", h.ListBooks)
			r.Get("/books/available", h.ListAvailableBooks)
			r.Get("/books/{id}", h.GetBook)

			r.Post("/loans", h.Borrow)
			r.Post("/loans/{id}/return", h.ReturnLoan)
			r.Get("/loans/my", h.ListMyLoans)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.RequireAdmin)

				r.Post("/books", h.CreateBook)
				r.Put("/books/{id}", h.UpdateBook)
				r.Delete("/books/{id}", h.DeleteBook)

				r.Get("/members", h.ListMembers)
				r.Post("/members/{id}/deactivate", h.DeactivateMember)

				r.Get("/loans", h.ListLoans)
				r.Get("/loans/overdue", h.ListOverdue)
				r.Post("/loans/fines/recompute", h.RecomputeFines)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
