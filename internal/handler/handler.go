// Package handler содержит HTTP-обработчики API библиотечного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-system/internal/middleware"
	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/repository"
	"github.com/mmeshcher/library-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterMember(ctx context.Context, fullName, email, password, phone, address string) (*model.Member, error)
	AuthenticateMember(ctx context.Context, email, password string) (*model.Member, error)
	ListMembers(ctx context.Context) ([]model.Member, error)
	DeactivateMember(ctx context.Context, memberID string) error

	CreateBook(ctx context.Context, b *model.Book) (*model.Book, error)
	GetBook(ctx context.Context, id int64) (*model.Book, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	ListAvailableBooks(ctx context.Context) ([]model.Book, error)
	UpdateBook(ctx context.Context, b *model.Book) (*model.Book, error)
	DeleteBook(ctx context.Context, id int64) error

	Borrow(ctx context.Context, memberID string, bookID int64, loanPeriodDays int) (*model.Loan, error)
	Return(ctx context.Context, loanID int64) (*model.Loan, error)
	ListLoans(ctx context.Context) ([]model.Loan, error)
	ListMemberLoans(ctx context.Context, memberID string) ([]model.Loan, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]model.Loan, error)
	RecomputeFines(ctx context.Context, ratePerDay float64) (int64, error)
}

// Handler реализует HTTP-обработчики API библиотечного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type registerRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
}

// Register обрабатывает регистрацию нового читателя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	if req.FullName == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	m, err := h.service.RegisterMember(r.Context(), req.FullName, req.Email, req.Password, req.Phone, req.Address)
	if err != nil {
		if errors.Is(err, repository.ErrMemberExists) {
			writeError(w, http.StatusConflict, "MemberExists")
			return
		}
		h.logger.Error("register member error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	h.authMiddleware.SetAuthCookie(w, m.ID, m.Role)
	writeJSON(w, http.StatusOK, memberToResponse(*m))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию читателя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	m, err := h.service.AuthenticateMember(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "InvalidCredentials")
			return
		}
		h.logger.Error("login member error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	h.authMiddleware.SetAuthCookie(w, m.ID, m.Role)
	writeJSON(w, http.StatusOK, memberToResponse(*m))
}

// Logout сбрасывает cookie авторизации.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusOK)
}

type memberResponse struct {
	ID             string `json:"id"`
	FullName       string `json:"full_name"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	Address        string `json:"address,omitempty"`
	IsActive       bool   `json:"is_active"`
	Role           string `json:"role"`
	MembershipDate string `json:"membership_date"`
}

func memberToResponse(m model.Member) memberResponse {
	return memberResponse{
		ID:             m.ID,
		FullName:       m.FullName,
		Email:          m.Email,
		Phone:          m.Phone,
		Address:        m.Address,
		IsActive:       m.IsActive,
		Role:           string(m.Role),
		MembershipDate: m.MembershipDate.Format(time.RFC3339),
	}
}

// ListMembers возвращает список всех читателей.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context())
	if err != nil {
		h.logger.Error("list members error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	resp := make([]memberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, memberToResponse(m))
	}

	writeJSON(w, http.StatusOK, resp)
}

// DeactivateMember выключает активность читателя.
func (h *Handler) DeactivateMember(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")

	if err := h.service.DeactivateMember(r.Context(), memberID); err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			writeError(w, http.StatusNotFound, "NotFound")
			return
		}
		h.logger.Error("deactivate member error", zap.Error(err), zap.String("memberID", memberID))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type bookRequest struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	ISBN        string `json:"isbn"`
	Category    string `json:"category"`
	Description string `json:"description"`
	TotalCopies int    `json:"total_copies"`
}

type bookResponse struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn,omitempty"`
	Category        string `json:"category,omitempty"`
	Description     string `json:"description,omitempty"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

func bookToResponse(b model.Book) bookResponse {
	return bookResponse{
		ID:              b.ID,
		Title:           b.Title,
		Author:          b.Author,
		ISBN:            b.ISBN,
		Category:        b.Category,
		Description:     b.Description,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
	}
}

// CreateBook добавляет книгу в каталог.
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	b, err := h.service.CreateBook(r.Context(), &model.Book{
		Title:       req.Title,
		Author:      req.Author,
		ISBN:        req.ISBN,
		Category:    req.Category,
		Description: req.Description,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidBook), errors.Is(err, service.ErrInvalidISBN):
			writeError(w, http.StatusBadRequest, "BadRequest")
		case errors.Is(err, repository.ErrISBNExists):
			writeError(w, http.StatusConflict, "ISBNExists")
		default:
			h.logger.Error("create book error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Internal")
		}
		return
	}

	writeJSON(w, http.StatusCreated, bookToResponse(*b))
}

// GetBook возвращает книгу по идентификатору.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	b, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrBookNotFound) {
			writeError(w, http.StatusNotFound, "NotFound")
			return
		}
		h.logger.Error("get book error", zap.Error(err), zap.Int64("bookID", id))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	writeJSON(w, http.StatusOK, bookToResponse(*b))
}

// ListBooks возвращает все книги каталога.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		h.logger.Error("list books error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	resp := make([]bookResponse, 0, len(books))
	for _, b := range books {
		resp = append(resp, bookToResponse(b))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListAvailableBooks возвращает книги со свободными экземплярами.
func (h *Handler) ListAvailableBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListAvailableBooks(r.Context())
	if err != nil {
		h.logger.Error("list available books error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	resp := make([]bookResponse, 0, len(books))
	for _, b := range books {
		resp = append(resp, bookToResponse(b))
	}

	writeJSON(w, http.StatusOK, resp)
}

// UpdateBook изменяет книгу каталога.
func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	b, err := h.service.UpdateBook(r.Context(), &model.Book{
		ID:          id,
		Title:       req.Title,
		Author:      req.Author,
		ISBN:        req.ISBN,
		Category:    req.Category,
		Description: req.Description,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBookNotFound):
			writeError(w, http.StatusNotFound, "NotFound")
		case errors.Is(err, service.ErrInvalidBook), errors.Is(err, service.ErrInvalidISBN):
			writeError(w, http.StatusBadRequest, "BadRequest")
		case errors.Is(err, service.ErrCopiesConflict), errors.Is(err, repository.ErrISBNExists):
			writeError(w, http.StatusConflict, "Conflict")
		default:
			h.logger.Error("update book error", zap.Error(err), zap.Int64("bookID", id))
			writeError(w, http.StatusInternalServerError, "Internal")
		}
		return
	}

	writeJSON(w, http.StatusOK, bookToResponse(*b))
}

// DeleteBook удаляет книгу из каталога.
func (h *Handler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	if err := h.service.DeleteBook(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrBookNotFound):
			writeError(w, http.StatusNotFound, "NotFound")
		case errors.Is(err, repository.ErrBookHasOpenLoans):
			writeError(w, http.StatusConflict, "BookHasOpenLoans")
		default:
			h.logger.Error("delete book error", zap.Error(err), zap.Int64("bookID", id))
			writeError(w, http.StatusInternalServerError, "Internal")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type borrowRequest struct {
	BookID         int64 `json:"book_id"`
	LoanPeriodDays int   `json:"loan_period_days"`
}

type loanResponse struct {
	ID           int64   `json:"id"`
	MemberID     string  `json:"member_id"`
	BookID       int64   `json:"book_id"`
	BorrowedDate string  `json:"borrowed_date"`
	DueDate      string  `json:"due_date"`
	ReturnedDate *string `json:"returned_date,omitempty"`
	IsReturned   bool    `json:"is_returned"`
	Status       string  `json:"status"`
	FineAmount   float64 `json:"fine_amount"`
	MemberName   string  `json:"member_name,omitempty"`
	MemberEmail  string  `json:"member_email,omitempty"`
	BookTitle    string  `json:"book_title,omitempty"`
	BookAuthor   string  `json:"book_author,omitempty"`
}

func loanToResponse(l model.Loan) loanResponse {
	resp := loanResponse{
		ID:           l.ID,
		MemberID:     l.MemberID,
		BookID:       l.BookID,
		BorrowedDate: l.BorrowedDate.Format(time.RFC3339),
		DueDate:      l.DueDate.Format(time.RFC3339),
		IsReturned:   l.IsReturned,
		Status:       string(l.Status()),
		FineAmount:   float64(l.FineCents) / 100,
		MemberName:   l.MemberName,
		MemberEmail:  l.MemberEmail,
		BookTitle:    l.BookTitle,
		BookAuthor:   l.BookAuthor,
	}

	if l.ReturnedDate != nil {
		s := l.ReturnedDate.Format(time.RFC3339)
		resp.ReturnedDate = &s
	}

	return resp
}

// Borrow выдаёт книгу текущему читателю.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req borrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	if req.BookID <= 0 {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	loan, err := h.service.Borrow(r.Context(), identity.MemberID, req.BookID, req.LoanPeriodDays)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMemberNotFound), errors.Is(err, repository.ErrBookNotFound):
			writeError(w, http.StatusNotFound, "NotFound")
		case errors.Is(err, repository.ErrMemberInactive):
			writeError(w, http.StatusForbidden, "NotEligible")
		case errors.Is(err, repository.ErrBookUnavailable):
			writeError(w, http.StatusConflict, "BookUnavailable")
		default:
			h.logger.Error("borrow error", zap.Error(err),
				zap.String("memberID", identity.MemberID), zap.Int64("bookID", req.BookID))
			writeError(w, http.StatusInternalServerError, "Internal")
		}
		return
	}

	writeJSON(w, http.StatusCreated, loanToResponse(*loan))
}

// ReturnLoan принимает возврат книги по идентификатору выдачи.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	loan, err := h.service.Return(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrLoanNotFound):
			writeError(w, http.StatusNotFound, "NotFound")
		case errors.Is(err, repository.ErrAlreadyReturned):
			writeError(w, http.StatusConflict, "AlreadyReturned")
		case errors.Is(err, repository.ErrInvariantViolation):
			// Сигнал о повреждении учёта экземпляров, а не об ошибке запроса.
			h.logger.Error("copy accounting violation on return", zap.Error(err), zap.Int64("loanID", id))
			writeError(w, http.StatusInternalServerError, "InvariantViolation")
		default:
			h.logger.Error("return loan error", zap.Error(err), zap.Int64("loanID", id))
			writeError(w, http.StatusInternalServerError, "Internal")
		}
		return
	}

	writeJSON(w, http.StatusOK, loanToResponse(*loan))
}

// ListLoans возвращает все выдачи.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListLoans(r.Context())
	if err != nil {
		h.logger.Error("list loans error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	h.writeLoans(w, loans)
}

// ListMyLoans возвращает выдачи текущего читателя.
func (h *Handler) ListMyLoans(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	loans, err := h.service.ListMemberLoans(r.Context(), identity.MemberID)
	if err != nil {
		h.logger.Error("list member loans error", zap.Error(err), zap.String("memberID", identity.MemberID))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	h.writeLoans(w, loans)
}

// ListOverdue возвращает просроченные активные выдачи на момент as_of.
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest")
			return
		}
		asOf = parsed
	}

	loans, err := h.service.ListOverdue(r.Context(), asOf)
	if err != nil {
		h.logger.Error("list overdue error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	h.writeLoans(w, loans)
}

func (h *Handler) writeLoans(w http.ResponseWriter, loans []model.Loan) {
	resp := make([]loanResponse, 0, len(loans))
	for _, l := range loans {
		resp = append(resp, loanToResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

type recomputeFinesRequest struct {
	RatePerDay float64 `json:"rate_per_day"`
}

type recomputeFinesResponse struct {
	UpdatedCount int64 `json:"updated_count"`
}

// RecomputeFines пересчитывает и сохраняет штрафы по просроченным выдачам.
func (h *Handler) RecomputeFines(w http.ResponseWriter, r *http.Request) {
	var req recomputeFinesRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest")
			return
		}
	}

	if req.RatePerDay < 0 {
		writeError(w, http.StatusBadRequest, "BadRequest")
		return
	}

	count, err := h.service.RecomputeFines(r.Context(), req.RatePerDay)
	if err != nil {
		h.logger.Error("recompute fines error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal")
		return
	}

	writeJSON(w, http.StatusOK, recomputeFinesResponse{UpdatedCount: count})
}
