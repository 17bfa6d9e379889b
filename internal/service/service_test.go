package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/repository"
)

type stubRepo struct {
	createMemberErr error
	createdMember   *model.Member

	getMemberByEmail    *model.Member
	getMemberByEmailErr error

	createBookErr error

	getBook    *model.Book
	getBookErr error

	updateBookErr error
	updatedBook   *model.Book

	borrowLoan       *model.Loan
	borrowErr        error
	borrowBorrowedAt time.Time
	borrowDueDate    time.Time

	returnLoan      *model.Loan
	returnErr       error
	returnRateCents int64

	overdueLoans []model.Loan
	memberLoans  []model.Loan

	recomputeCount     int64
	recomputeErr       error
	recomputeRateCents int64
	recomputeCalls     atomic.Int64
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateMember(ctx context.Context, m *model.Member) error {
	s.createdMember = m
	return s.createMemberErr
}

func (s *stubRepo) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return nil, repository.ErrMemberNotFound
}

func (s *stubRepo) GetMemberByEmail(ctx context.Context, email string) (*model.Member, error) {
	return s.getMemberByEmail, s.getMemberByEmailErr
}

func (s *stubRepo) ListMembers(ctx context.Context) ([]model.Member, error) {
	return nil, nil
}

func (s *stubRepo) SetMemberActive(ctx context.Context, id string, active bool) error {
	return nil
}

func (s *stubRepo) CreateBook(ctx context.Context, b *model.Book) (int64, error) {
	if s.createBookErr != nil {
		return 0, s.createBookErr
	}
	b.ID = 1
	return 1, nil
}

func (s *stubRepo) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return s.getBook, s.getBookErr
}

func (s *stubRepo) ListBooks(ctx context.Context) ([]model.Book, error) {
	return nil, nil
}

func (s *stubRepo) ListAvailableBooks(ctx context.Context) ([]model.Book, error) {
	return nil, nil
}

func (s *stubRepo) UpdateBook(ctx context.Context, b *model.Book) error {
	s.updatedBook = b
	return s.updateBookErr
}

func (s *stubRepo) DeleteBook(ctx context.Context, id int64) error {
	return nil
}

func (s *stubRepo) BorrowBook(ctx context.Context, memberID string, bookID int64, borrowedAt, dueDate time.Time) (*model.Loan, error) {
	s.borrowBorrowedAt = borrowedAt
	s.borrowDueDate = dueDate
	return s.borrowLoan, s.borrowErr
}

func (s *stubRepo) ReturnLoan(ctx context.Context, loanID int64, now time.Time, ratePerDayCents int64) (*model.Loan, error) {
	s.returnRateCents = ratePerDayCents
	return s.returnLoan, s.returnErr
}

func (s *stubRepo) ListLoans(ctx context.Context) ([]model.Loan, error) {
	return s.memberLoans, nil
}

func (s *stubRepo) ListLoansByMember(ctx context.Context, memberID string) ([]model.Loan, error) {
	return s.memberLoans, nil
}

func (s *stubRepo) ListOverdueLoans(ctx context.Context, asOf time.Time) ([]model.Loan, error) {
	return s.overdueLoans, nil
}

func (s *stubRepo) RecomputeFines(ctx context.Context, now time.Time, ratePerDayCents int64) (int64, error) {
	s.recomputeCalls.Add(1)
	s.recomputeRateCents = ratePerDayCents
	return s.recomputeCount, s.recomputeErr
}

func TestRegisterMember_HashesPassword(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, 14, 2.5)

	m, err := svc.RegisterMember(context.Background(), "Reader", "reader@example.com", "secret", "", "")
	if err != nil {
		t.Fatalf("RegisterMember error: %v", err)
	}

	if m.ID == "" {
		t.Fatalf("member id must be assigned")
	}
	if m.Role != model.RoleMember {
		t.Fatalf("role = %s, want member", m.Role)
	}
	if !m.IsActive {
		t.Fatalf("new member must be active")
	}
	if err := bcrypt.CompareHashAndPassword(m.PasswordHash, []byte("secret")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
}

func TestRegisterMember_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createMemberErr: repository.ErrMemberExists,
	}
	svc := NewService(repo, 14, 2.5)

	_, err := svc.RegisterMember(context.Background(), "Reader", "reader@example.com", "secret", "", "")
	if !errors.Is(err, repository.ErrMemberExists) {
		t.Fatalf("expected ErrMemberExists, got %v", err)
	}
}

func TestAuthenticateMember_InvalidPassword(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct"), bcrypt.DefaultCost)
	repo := &stubRepo{
		getMemberByEmail: &model.Member{
			ID:           "m1",
			Email:        "reader@example.com",
			PasswordHash: hash,
		},
	}
	svc := NewService(repo, 14, 2.5)

	_, err := svc.AuthenticateMember(context.Background(), "reader@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateMember_UnknownEmailIndistinguishable(t *testing.T) {
	repo := &stubRepo{
		getMemberByEmailErr: repository.ErrMemberNotFound,
	}
	svc := NewService(repo, 14, 2.5)

	_, err := svc.AuthenticateMember(context.Background(), "nobody@example.com", "secret")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestBorrow_UsesDefaultPeriod(t *testing.T) {
	repo := &stubRepo{
		borrowLoan: &model.Loan{ID: 1},
	}
	svc := NewService(repo, 14, 2.5)

	if _, err := svc.Borrow(context.Background(), "m1", 1, 0); err != nil {
		t.Fatalf("Borrow error: %v", err)
	}

	if got := repo.borrowDueDate.Sub(repo.borrowBorrowedAt); got != 14*24*time.Hour {
		t.Fatalf("loan period = %v, want 14 days", got)
	}
}

func TestBorrow_ExplicitPeriod(t *testing.T) {
	repo := &stubRepo{
		borrowLoan: &model.Loan{ID: 1},
	}
	svc := NewService(repo, 14, 2.5)

	if _, err := svc.Borrow(context.Background(), "m1", 1, 7); err != nil {
		t.Fatalf("Borrow error: %v", err)
	}

	if got := repo.borrowDueDate.Sub(repo.borrowBorrowedAt); got != 7*24*time.Hour {
		t.Fatalf("loan period = %v, want 7 days", got)
	}
}

func TestBorrow_PropagatesUnavailable(t *testing.T) {
	repo := &stubRepo{
		borrowErr: repository.ErrBookUnavailable,
	}
	svc := NewService(repo, 14, 2.5)

	_, err := svc.Borrow(context.Background(), "m1", 1, 0)
	if !errors.Is(err, repository.ErrBookUnavailable) {
		t.Fatalf("expected ErrBookUnavailable, got %v", err)
	}
}

func TestReturn_PassesConfiguredRate(t *testing.T) {
	repo := &stubRepo{
		returnLoan: &model.Loan{ID: 1, IsReturned: true},
	}
	svc := NewService(repo, 14, 2.5)

	if _, err := svc.Return(context.Background(), 1); err != nil {
		t.Fatalf("Return error: %v", err)
	}

	if repo.returnRateCents != 250 {
		t.Fatalf("rate = %d cents, want 250", repo.returnRateCents)
	}
}

func TestRateConversion_RoundsToWholeCents(t *testing.T) {
	repo := &stubRepo{
		returnLoan: &model.Loan{ID: 1, IsReturned: true},
	}
	// 0.29 в double чуть меньше номинала; усечение дало бы 28 центов.
	svc := NewService(repo, 14, 0.29)

	if _, err := svc.Return(context.Background(), 1); err != nil {
		t.Fatalf("Return error: %v", err)
	}
	if repo.returnRateCents != 29 {
		t.Fatalf("rate 0.29/day converted to %d cents, want 29", repo.returnRateCents)
	}

	if _, err := svc.RecomputeFines(context.Background(), 0.29); err != nil {
		t.Fatalf("RecomputeFines error: %v", err)
	}
	if repo.recomputeRateCents != 29 {
		t.Fatalf("recompute rate 0.29/day converted to %d cents, want 29", repo.recomputeRateCents)
	}
}

func TestListOverdue_AnnotatesLiveFines(t *testing.T) {
	asOf := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	repo := &stubRepo{
		overdueLoans: []model.Loan{
			{
				ID:      1,
				DueDate: asOf.Add(-6 * 24 * time.Hour),
				// Сохранённое значение устарело, список должен его пересчитать.
				FineCents: 0,
			},
		},
	}
	svc := NewService(repo, 14, 2.5)

	loans, err := svc.ListOverdue(context.Background(), asOf)
	if err != nil {
		t.Fatalf("ListOverdue error: %v", err)
	}

	if len(loans) != 1 {
		t.Fatalf("got %d loans, want 1", len(loans))
	}
	if loans[0].FineCents != 1500 {
		t.Fatalf("live fine = %d, want 1500", loans[0].FineCents)
	}
}

func TestListMemberLoans_KeepsFrozenFines(t *testing.T) {
	returnedAt := time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC)
	repo := &stubRepo{
		memberLoans: []model.Loan{
			{
				ID:           1,
				DueDate:      returnedAt.Add(-100 * 24 * time.Hour),
				ReturnedDate: &returnedAt,
				IsReturned:   true,
				FineCents:    500,
			},
		},
	}
	svc := NewService(repo, 14, 2.5)

	loans, err := svc.ListMemberLoans(context.Background(), "m1")
	if err != nil {
		t.Fatalf("ListMemberLoans error: %v", err)
	}

	if loans[0].FineCents != 500 {
		t.Fatalf("frozen fine changed: %d, want 500", loans[0].FineCents)
	}
}

func TestRecomputeFines_RateFallback(t *testing.T) {
	repo := &stubRepo{recomputeCount: 3}
	svc := NewService(repo, 14, 2.5)

	count, err := svc.RecomputeFines(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecomputeFines error: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if repo.recomputeRateCents != 250 {
		t.Fatalf("fallback rate = %d cents, want 250", repo.recomputeRateCents)
	}

	if _, err := svc.RecomputeFines(context.Background(), 1.25); err != nil {
		t.Fatalf("RecomputeFines error: %v", err)
	}
	if repo.recomputeRateCents != 125 {
		t.Fatalf("explicit rate = %d cents, want 125", repo.recomputeRateCents)
	}
}

func TestCreateBook_Validation(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, 14, 2.5)

	_, err := svc.CreateBook(context.Background(), &model.Book{Author: "A", TotalCopies: 1})
	if !errors.Is(err, ErrInvalidBook) {
		t.Fatalf("missing title: %v, want ErrInvalidBook", err)
	}

	_, err = svc.CreateBook(context.Background(), &model.Book{Title: "T", Author: "A", TotalCopies: 0})
	if !errors.Is(err, ErrInvalidBook) {
		t.Fatalf("zero copies: %v, want ErrInvalidBook", err)
	}

	_, err = svc.CreateBook(context.Background(), &model.Book{Title: "T", Author: "A", TotalCopies: 1, ISBN: "123"})
	if !errors.Is(err, ErrInvalidISBN) {
		t.Fatalf("bad isbn: %v, want ErrInvalidISBN", err)
	}

	b, err := svc.CreateBook(context.Background(), &model.Book{Title: "T", Author: "A", TotalCopies: 3})
	if err != nil {
		t.Fatalf("CreateBook error: %v", err)
	}
	if b.AvailableCopies != 3 {
		t.Fatalf("available copies = %d, want 3", b.AvailableCopies)
	}
}

func TestUpdateBook_AdjustsAvailableWithTotal(t *testing.T) {
	repo := &stubRepo{
		getBook: &model.Book{ID: 1, Title: "T", Author: "A", TotalCopies: 3, AvailableCopies: 1},
	}
	svc := NewService(repo, 14, 2.5)

	// Две книги на руках; рост общего числа на 2 даёт 4 свободных.
	b, err := svc.UpdateBook(context.Background(), &model.Book{ID: 1, Title: "T", Author: "A", TotalCopies: 5})
	if err != nil {
		t.Fatalf("UpdateBook error: %v", err)
	}
	if b.AvailableCopies != 3 {
		t.Fatalf("available copies = %d, want 3", b.AvailableCopies)
	}

	// Сжать общее число ниже числа выданных нельзя.
	_, err = svc.UpdateBook(context.Background(), &model.Book{ID: 1, Title: "T", Author: "A", TotalCopies: 1})
	if !errors.Is(err, ErrCopiesConflict) {
		t.Fatalf("error = %v, want ErrCopiesConflict", err)
	}
}

func TestStartFineRecompute_DisabledInterval(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, 14, 2.5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	svc.StartFineRecompute(ctx, 0, zap.NewNop())
	<-ctx.Done()

	if got := repo.recomputeCalls.Load(); got != 0 {
		t.Fatalf("recompute ran %d times with disabled interval", got)
	}
}

func TestStartFineRecompute_RunsPeriodically(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, 14, 2.5)

	ctx, cancel := context.WithCancel(context.Background())
	svc.StartFineRecompute(ctx, 10*time.Millisecond, zap.NewNop())

	time.Sleep(55 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	if repo.recomputeCalls.Load() == 0 {
		t.Fatalf("background recompute never ran")
	}
}

func TestStartFineRecompute_LogsErrorsAndKeepsRunning(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	repo := &stubRepo{recomputeErr: errors.New("connection refused")}
	svc := NewService(repo, 14, 2.5)

	ctx, cancel := context.WithCancel(context.Background())
	svc.StartFineRecompute(ctx, 10*time.Millisecond, zap.New(core))

	time.Sleep(55 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	if got := repo.recomputeCalls.Load(); got < 2 {
		t.Fatalf("recompute stopped after error: %d calls", got)
	}
	if logs.FilterMessage("fine recompute failed").Len() == 0 {
		t.Fatalf("recompute error was not logged")
	}
}
