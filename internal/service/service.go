// Package service реализует бизнес-логику библиотечного сервиса.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/library-system/internal/fine"
	"github.com/mmeshcher/library-system/internal/model"
	"github.com/mmeshcher/library-system/internal/repository"
	"github.com/mmeshcher/library-system/internal/validation"
)

// ErrInvalidCredentials возвращается при неверной паре email/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidISBN возвращается, если ISBN книги не проходит проверку контрольной суммы.
	ErrInvalidISBN = errors.New("invalid ISBN")
	// ErrInvalidBook возвращается для книги с пустыми обязательными полями или
	// некорректным числом экземпляров.
	ErrInvalidBook = errors.New("invalid book")
	// ErrCopiesConflict возвращается, если общее число экземпляров уменьшают
	// ниже числа экземпляров на руках у читателей.
	ErrCopiesConflict = errors.New("total copies cannot be less than copies on loan")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Ему соответствуют адаптеры PostgreSQL и хранилища в памяти.
type Repository interface {
	Close() error

	CreateMember(ctx context.Context, m *model.Member) error
	GetMember(ctx context.Context, id string) (*model.Member, error)
	GetMemberByEmail(ctx context.Context, email string) (*model.Member, error)
	ListMembers(ctx context.Context) ([]model.Member, error)
	SetMemberActive(ctx context.Context, id string, active bool) error

	CreateBook(ctx context.Context, b *model.Book) (int64, error)
	GetBook(ctx context.Context, id int64) (*model.Book, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
	ListAvailableBooks(ctx context.Context) ([]model.Book, error)
	UpdateBook(ctx context.Context, b *model.Book) error
	DeleteBook(ctx context.Context, id int64) error

	BorrowBook(ctx context.Context, memberID string, bookID int64, borrowedAt, dueDate time.Time) (*model.Loan, error)
	ReturnLoan(ctx context.Context, loanID int64, now time.Time, ratePerDayCents int64) (*model.Loan, error)
	ListLoans(ctx context.Context) ([]model.Loan, error)
	ListLoansByMember(ctx context.Context, memberID string) ([]model.Loan, error)
	ListOverdueLoans(ctx context.Context, asOf time.Time) ([]model.Loan, error)
	RecomputeFines(ctx context.Context, now time.Time, ratePerDayCents int64) (int64, error)
}

// Service содержит бизнес-логику библиотечного сервиса.
type Service struct {
	repo            Repository
	loanPeriod      time.Duration
	ratePerDayCents int64
}

// NewService создаёт сервис с указанным хранилищем, сроком выдачи по умолчанию
// и суточной ставкой штрафа.
func NewService(repo Repository, loanPeriodDays int, fineRatePerDay float64) *Service {
	if loanPeriodDays <= 0 {
		loanPeriodDays = 14
	}

	// Округление до целого цента: усечение теряло бы цент на ставках,
	// двоичное представление которых чуть меньше номинала.
	rateCents := int64(math.Round(fineRatePerDay * 100))
	if rateCents <= 0 {
		rateCents = fine.DefaultRatePerDayCents
	}

	return &Service{
		repo:            repo,
		loanPeriod:      time.Duration(loanPeriodDays) * 24 * time.Hour,
		ratePerDayCents: rateCents,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterMember регистрирует нового читателя.
func (s *Service) RegisterMember(ctx context.Context, fullName, email, password, phone, address string) (*model.Member, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	m := &model.Member{
		ID:             uuid.NewString(),
		FullName:       fullName,
		Email:          email,
		Phone:          phone,
		Address:        address,
		PasswordHash:   hash,
		IsActive:       true,
		Role:           model.RoleMember,
		MembershipDate: time.Now(),
	}

	if err := s.repo.CreateMember(ctx, m); err != nil {
		return nil, err
	}

	return m, nil
}

// AuthenticateMember проверяет email и пароль читателя.
// Отсутствие читателя и неверный пароль неразличимы для вызывающего.
func (s *Service) AuthenticateMember(ctx context.Context, email, password string) (*model.Member, error) {
	m, err := s.repo.GetMemberByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(m.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return m, nil
}

// ListMembers возвращает всех читателей.
func (s *Service) ListMembers(ctx context.Context) ([]model.Member, error) {
	return s.repo.ListMembers(ctx)
}

// DeactivateMember выключает активность читателя: новые выдачи ему запрещены.
func (s *Service) DeactivateMember(ctx context.Context, memberID string) error {
	return s.repo.SetMemberActive(ctx, memberID, false)
}

// CreateBook добавляет книгу в каталог. Новая книга целиком доступна для выдачи.
func (s *Service) CreateBook(ctx context.Context, b *model.Book) (*model.Book, error) {
	if b.Title == "" || b.Author == "" {
		return nil, fmt.Errorf("%w: title and author are required", ErrInvalidBook)
	}
	if b.TotalCopies < 1 {
		return nil, fmt.Errorf("%w: total copies must be at least 1", ErrInvalidBook)
	}
	if b.ISBN != "" && !validation.IsValidISBN(b.ISBN) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidISBN, b.ISBN)
	}

	b.AvailableCopies = b.TotalCopies
	if _, err := s.repo.CreateBook(ctx, b); err != nil {
		return nil, err
	}

	return b, nil
}

// GetBook возвращает книгу по идентификатору.
func (s *Service) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return s.repo.GetBook(ctx, id)
}

// ListBooks возвращает все книги каталога.
func (s *Service) ListBooks(ctx context.Context) ([]model.Book, error) {
	return s.repo.ListBooks(ctx)
}

// ListAvailableBooks возвращает книги со свободными экземплярами.
func (s *Service) ListAvailableBooks(ctx context.Context) ([]model.Book, error) {
	return s.repo.ListAvailableBooks(ctx)
}

// UpdateBook изменяет описательные поля книги и общее число экземпляров.
// Число свободных экземпляров сдвигается на ту же величину, что и общее:
// экземпляры на руках при редактировании каталога не меняются.
func (s *Service) UpdateBook(ctx context.Context, b *model.Book) (*model.Book, error) {
	if b.Title == "" || b.Author == "" {
		return nil, fmt.Errorf("%w: title and author are required", ErrInvalidBook)
	}
	if b.TotalCopies < 1 {
		return nil, fmt.Errorf("%w: total copies must be at least 1", ErrInvalidBook)
	}
	if b.ISBN != "" && !validation.IsValidISBN(b.ISBN) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidISBN, b.ISBN)
	}

	existing, err := s.repo.GetBook(ctx, b.ID)
	if err != nil {
		return nil, err
	}

	onLoan := existing.TotalCopies - existing.AvailableCopies
	if b.TotalCopies < onLoan {
		return nil, fmt.Errorf("%w: %d copies on loan", ErrCopiesConflict, onLoan)
	}

	b.AvailableCopies = b.TotalCopies - onLoan
	if err := s.repo.UpdateBook(ctx, b); err != nil {
		return nil, err
	}

	return b, nil
}

// DeleteBook удаляет книгу без открытых выдач из каталога.
func (s *Service) DeleteBook(ctx context.Context, id int64) error {
	return s.repo.DeleteBook(ctx, id)
}

// Borrow выдаёт книгу читателю. Срок возврата отсчитывается от текущего
// момента; при неположительном периоде используется срок по умолчанию.
func (s *Service) Borrow(ctx context.Context, memberID string, bookID int64, loanPeriodDays int) (*model.Loan, error) {
	period := s.loanPeriod
	if loanPeriodDays > 0 {
		period = time.Duration(loanPeriodDays) * 24 * time.Hour
	}

	now := time.Now()
	return s.repo.BorrowBook(ctx, memberID, bookID, now, now.Add(period))
}

// Return принимает возврат книги и фиксирует итоговый штраф.
func (s *Service) Return(ctx context.Context, loanID int64) (*model.Loan, error) {
	return s.repo.ReturnLoan(ctx, loanID, time.Now(), s.ratePerDayCents)
}

// ListLoans возвращает все выдачи. Штраф активных просроченных выдач
// пересчитывается на текущий момент без сохранения.
func (s *Service) ListLoans(ctx context.Context) ([]model.Loan, error) {
	loans, err := s.repo.ListLoans(ctx)
	if err != nil {
		return nil, err
	}
	return s.annotateLiveFines(loans, time.Now()), nil
}

// ListMemberLoans возвращает выдачи одного читателя с живым пересчётом штрафов.
func (s *Service) ListMemberLoans(ctx context.Context, memberID string) ([]model.Loan, error) {
	loans, err := s.repo.ListLoansByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.annotateLiveFines(loans, time.Now()), nil
}

// ListOverdue возвращает активные выдачи, просроченные на момент asOf,
// с живым пересчётом штрафа. Ничего не записывает.
func (s *Service) ListOverdue(ctx context.Context, asOf time.Time) ([]model.Loan, error) {
	if asOf.IsZero() {
		asOf = time.Now()
	}

	loans, err := s.repo.ListOverdueLoans(ctx, asOf)
	if err != nil {
		return nil, err
	}
	return s.annotateLiveFines(loans, asOf), nil
}

// annotateLiveFines подменяет сохранённый штраф активных выдач значением,
// рассчитанным на момент asOf. Зафиксированные при возврате штрафы не трогает.
func (s *Service) annotateLiveFines(loans []model.Loan, asOf time.Time) []model.Loan {
	for i := range loans {
		if !loans[i].IsReturned {
			loans[i].FineCents = fine.Amount(loans[i].DueDate, asOf, s.ratePerDayCents)
		}
	}
	return loans
}

// RecomputeFines пересчитывает и сохраняет штрафы по всем просроченным
// активным выдачам. При неположительной ставке используется ставка сервиса.
func (s *Service) RecomputeFines(ctx context.Context, ratePerDay float64) (int64, error) {
	rateCents := s.ratePerDayCents
	if ratePerDay > 0 {
		rateCents = int64(math.Round(ratePerDay * 100))
	}

	return s.repo.RecomputeFines(ctx, time.Now(), rateCents)
}

// StartFineRecompute запускает фоновый периодический пересчёт штрафов.
// Нулевой интервал выключает фоновый проход. Ошибки пересчёта логируются,
// но не останавливают цикл: следующий тик повторит проход.
func (s *Service) StartFineRecompute(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.repo.RecomputeFines(ctx, time.Now(), s.ratePerDayCents); err != nil {
					logger.Error("fine recompute failed", zap.Error(err))
				}
			}
		}
	}()
}
