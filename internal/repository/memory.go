package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/library-system/internal/fine"
	"github.com/mmeshcher/library-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и
// в режиме предпросмотра без БД. Бизнес-логика не отличается от PostgreSQL:
// это тот же контракт хранилища с другим адаптером. Атомарность операций
// обеспечивается общим мьютексом вместо транзакций.
type MemoryRepository struct {
	mu         sync.Mutex
	members    map[string]model.Member
	books      map[int64]model.Book
	loans      map[int64]model.Loan
	nextBookID int64
	nextLoanID int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members:    make(map[string]model.Member),
		books:      make(map[int64]model.Book),
		loans:      make(map[int64]model.Loan),
		nextBookID: 1,
		nextLoanID: 1,
	}
}

// Close освобождает ресурсы хранилища. Для памяти ничего делать не нужно.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateMember сохраняет нового читателя.
func (r *MemoryRepository) CreateMember(_ context.Context, m *model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.members {
		if existing.Email == m.Email {
			return fmt.Errorf("%w: %s", ErrMemberExists, m.Email)
		}
	}

	r.members[m.ID] = *m
	return nil
}

// GetMember возвращает читателя по идентификатору.
func (r *MemoryRepository) GetMember(_ context.Context, id string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return &m, nil
}

// GetMemberByEmail возвращает читателя по email.
func (r *MemoryRepository) GetMemberByEmail(_ context.Context, email string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if m.Email == email {
			res := m
			return &res, nil
		}
	}
	return nil, ErrMemberNotFound
}

// ListMembers возвращает всех читателей.
func (r *MemoryRepository) ListMembers(_ context.Context) ([]model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Member, 0, len(r.members))
	for _, m := range r.members {
		m.PasswordHash = nil
		res = append(res, m)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].MembershipDate.After(res[j].MembershipDate)
	})

	return res, nil
}

// SetMemberActive включает или выключает активность читателя.
func (r *MemoryRepository) SetMemberActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return ErrMemberNotFound
	}
	m.IsActive = active
	r.members[id] = m
	return nil
}

// CreateBook сохраняет новую книгу каталога.
func (r *MemoryRepository) CreateBook(_ context.Context, b *model.Book) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.ISBN != "" {
		for _, existing := range r.books {
			if existing.ISBN == b.ISBN {
				return 0, fmt.Errorf("%w: %s", ErrISBNExists, b.ISBN)
			}
		}
	}

	now := time.Now()
	b.ID = r.nextBookID
	b.CreatedAt = now
	b.UpdatedAt = now
	r.nextBookID++

	r.books[b.ID] = *b
	return b.ID, nil
}

// GetBook возвращает книгу по идентификатору.
func (r *MemoryRepository) GetBook(_ context.Context, id int64) (*model.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return &b, nil
}

// ListBooks возвращает все книги каталога.
func (r *MemoryRepository) ListBooks(_ context.Context) ([]model.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]model.Book, 0, len(r.books))
	for _, b := range r.books {
		res = append(res, b)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})

	return res, nil
}

// ListAvailableBooks возвращает книги со свободными экземплярами.
func (r *MemoryRepository) ListAvailableBooks(_ context.Context) ([]model.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Book
	for _, b := range r.books {
		if b.AvailableCopies > 0 {
			res = append(res, b)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Title < res[j].Title
	})

	return res, nil
}

// UpdateBook сохраняет изменённые поля книги.
func (r *MemoryRepository) UpdateBook(_ context.Context, b *model.Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.books[b.ID]
	if !ok {
		return ErrBookNotFound
	}

	if b.ISBN != "" {
		for id, other := range r.books {
			if id != b.ID && other.ISBN == b.ISBN {
				return fmt.Errorf("%w: %s", ErrISBNExists, b.ISBN)
			}
		}
	}

	if b.TotalCopies < 1 || b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies {
		return fmt.Errorf("%w: book %d", ErrInvariantViolation, b.ID)
	}

	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now()
	r.books[b.ID] = *b
	return nil
}

// DeleteBook удаляет книгу без открытых выдач из каталога.
func (r *MemoryRepository) DeleteBook(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.books[id]; !ok {
		return ErrBookNotFound
	}

	for _, l := range r.loans {
		if l.BookID == id && !l.IsReturned {
			return fmt.Errorf("%w: book %d", ErrBookHasOpenLoans, id)
		}
	}

	delete(r.books, id)
	return nil
}

// BorrowBook создаёт выдачу книги и уменьшает число свободных экземпляров
// как одну атомарную операцию.
func (r *MemoryRepository) BorrowBook(_ context.Context, memberID string, bookID int64, borrowedAt, dueDate time.Time) (*model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
	}
	if !m.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrMemberInactive, memberID)
	}

	b, ok := r.books[bookID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBookNotFound, bookID)
	}
	if b.AvailableCopies <= 0 {
		return nil, fmt.Errorf("%w: book %d", ErrBookUnavailable, bookID)
	}

	loan := model.Loan{
		ID:           r.nextLoanID,
		MemberID:     memberID,
		BookID:       bookID,
		BorrowedDate: borrowedAt,
		DueDate:      dueDate,
	}
	r.nextLoanID++
	r.loans[loan.ID] = loan

	b.AvailableCopies--
	b.UpdatedAt = time.Now()
	r.books[bookID] = b

	return &loan, nil
}

// ReturnLoan помечает выдачу возвращённой, фиксирует штраф и возвращает
// экземпляр в фонд. Повторный возврат отклоняется.
func (r *MemoryRepository) ReturnLoan(_ context.Context, loanID int64, now time.Time, ratePerDayCents int64) (*model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.loans[loanID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLoanNotFound, loanID)
	}
	if l.IsReturned {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyReturned, loanID)
	}

	b, ok := r.books[l.BookID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBookNotFound, l.BookID)
	}
	if b.AvailableCopies+1 > b.TotalCopies {
		return nil, fmt.Errorf("%w: book %d has %d of %d copies available before return",
			ErrInvariantViolation, b.ID, b.AvailableCopies, b.TotalCopies)
	}

	returnedAt := now
	l.IsReturned = true
	l.ReturnedDate = &returnedAt
	l.FineCents = fine.Amount(l.DueDate, now, ratePerDayCents)
	r.loans[loanID] = l

	b.AvailableCopies++
	b.UpdatedAt = time.Now()
	r.books[l.BookID] = b

	return &l, nil
}

// ListLoans возвращает все выдачи с данными читателя и книги.
func (r *MemoryRepository) ListLoans(_ context.Context) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Loan
	for _, l := range r.loans {
		res = append(res, r.annotate(l))
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].BorrowedDate.After(res[j].BorrowedDate)
	})

	return res, nil
}

// ListLoansByMember возвращает выдачи одного читателя.
func (r *MemoryRepository) ListLoansByMember(_ context.Context, memberID string) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Loan
	for _, l := range r.loans {
		if l.MemberID == memberID {
			res = append(res, r.annotate(l))
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].BorrowedDate.After(res[j].BorrowedDate)
	})

	return res, nil
}

// ListOverdueLoans возвращает активные выдачи, просроченные на момент asOf.
func (r *MemoryRepository) ListOverdueLoans(_ context.Context, asOf time.Time) ([]model.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Loan
	for _, l := range r.loans {
		if l.IsOverdue(asOf) {
			res = append(res, r.annotate(l))
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].DueDate.Before(res[j].DueDate)
	})

	return res, nil
}

func (r *MemoryRepository) annotate(l model.Loan) model.Loan {
	if m, ok := r.members[l.MemberID]; ok {
		l.MemberName = m.FullName
		l.MemberEmail = m.Email
	}
	if b, ok := r.books[l.BookID]; ok {
		l.BookTitle = b.Title
		l.BookAuthor = b.Author
	}
	return l
}

// RecomputeFines пересчитывает и сохраняет штрафы по просроченным активным выдачам.
func (r *MemoryRepository) RecomputeFines(_ context.Context, now time.Time, ratePerDayCents int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated int64
	for id, l := range r.loans {
		if !l.IsOverdue(now) {
			continue
		}
		l.FineCents = fine.Amount(l.DueDate, now, ratePerDayCents)
		r.loans[id] = l
		updated++
	}

	return updated, nil
}
