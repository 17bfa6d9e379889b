// Package repository содержит реализации хранилища библиотечного сервиса.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/library-system/internal/fine"
	"github.com/mmeshcher/library-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMemberExists возвращается при попытке зарегистрировать читателя с занятым email.
var (
	ErrMemberExists = errors.New("member already exists")
	// ErrMemberNotFound возвращается, если читатель не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrMemberInactive возвращается при попытке выдачи книги неактивному читателю.
	ErrMemberInactive = errors.New("member is not active")
	// ErrBookNotFound возвращается, если книга не найдена.
	ErrBookNotFound = errors.New("book not found")
	// ErrBookUnavailable возвращается, если свободных экземпляров книги не осталось.
	ErrBookUnavailable = errors.New("no available copies of the book")
	// ErrBookHasOpenLoans возвращается при попытке удалить книгу с невозвращёнными выдачами.
	ErrBookHasOpenLoans = errors.New("book has open loans")
	// ErrISBNExists возвращается при попытке сохранить книгу с занятым ISBN.
	ErrISBNExists = errors.New("book with this ISBN already exists")
	// ErrLoanNotFound возвращается, если выдача не найдена.
	ErrLoanNotFound = errors.New("loan not found")
	// ErrAlreadyReturned возвращается при повторной попытке вернуть книгу.
	ErrAlreadyReturned = errors.New("loan already returned")
	// ErrInvariantViolation возвращается, если операция нарушила бы учёт экземпляров.
	// Такая ошибка означает повреждение данных, а не ошибку пользователя.
	ErrInvariantViolation = errors.New("copy accounting invariant violation")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации или дедлоке.
// Доменные ошибки не ретраятся: повтор не изменил бы их исход.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateMember сохраняет нового читателя.
func (r *PostgresRepository) CreateMember(ctx context.Context, m *model.Member) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO members (id, full_name, email, phone, address, password_hash, is_active, role, membership_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.FullName, m.Email, m.Phone, m.Address, m.PasswordHash, m.IsActive, string(m.Role), m.MembershipDate,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrMemberExists, m.Email)
		}
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

// GetMember возвращает читателя по идентификатору.
func (r *PostgresRepository) GetMember(ctx context.Context, id string) (*model.Member, error) {
	return r.scanMember(r.pool.QueryRow(ctx,
		`SELECT id, full_name, email, phone, address, password_hash, is_active, role, membership_date
		 FROM members WHERE id = $1`,
		id,
	))
}

// GetMemberByEmail возвращает читателя по email.
func (r *PostgresRepository) GetMemberByEmail(ctx context.Context, email string) (*model.Member, error) {
	return r.scanMember(r.pool.QueryRow(ctx,
		`SELECT id, full_name, email, phone, address, password_hash, is_active, role, membership_date
		 FROM members WHERE email = $1`,
		email,
	))
}

func (r *PostgresRepository) scanMember(row pgx.Row) (*model.Member, error) {
	var m model.Member
	var role string
	err := row.Scan(&m.ID, &m.FullName, &m.Email, &m.Phone, &m.Address, &m.PasswordHash, &m.IsActive, &role, &m.MembershipDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	m.Role = model.MemberRole(role)
	return &m, nil
}

// ListMembers возвращает всех читателей.
func (r *PostgresRepository) ListMembers(ctx context.Context) ([]model.Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, full_name, email, phone, address, is_active, role, membership_date
		 FROM members
		 ORDER BY membership_date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var res []model.Member
	for rows.Next() {
		var m model.Member
		var role string
		if err := rows.Scan(&m.ID, &m.FullName, &m.Email, &m.Phone, &m.Address, &m.IsActive, &role, &m.MembershipDate); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Role = model.MemberRole(role)
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetMemberActive включает или выключает активность читателя.
func (r *PostgresRepository) SetMemberActive(ctx context.Context, id string, active bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE members SET is_active = $2 WHERE id = $1`,
		id, active,
	)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// CreateBook сохраняет новую книгу каталога.
func (r *PostgresRepository) CreateBook(ctx context.Context, b *model.Book) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO books (title, author, isbn, category, description, total_copies, available_copies)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		b.Title, b.Author, b.ISBN, b.Category, b.Description, b.TotalCopies, b.AvailableCopies,
	).Scan(&id, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrISBNExists, b.ISBN)
		}
		return 0, fmt.Errorf("create book: %w", err)
	}
	b.ID = id
	return id, nil
}

// GetBook возвращает книгу по идентификатору.
func (r *PostgresRepository) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, author, isbn, category, description, total_copies, available_copies, created_at, updated_at
		 FROM books WHERE id = $1`,
		id,
	)

	var b model.Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Category, &b.Description,
		&b.TotalCopies, &b.AvailableCopies, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}

	return &b, nil
}

// ListBooks возвращает все книги каталога.
func (r *PostgresRepository) ListBooks(ctx context.Context) ([]model.Book, error) {
	return r.listBooks(ctx,
		`SELECT id, title, author, isbn, category, description, total_copies, available_copies, created_at, updated_at
		 FROM books
		 ORDER BY created_at DESC`,
	)
}

// ListAvailableBooks возвращает книги, у которых есть свободные экземпляры.
func (r *PostgresRepository) ListAvailableBooks(ctx context.Context) ([]model.Book, error) {
	return r.listBooks(ctx,
		`SELECT id, title, author, isbn, category, description, total_copies, available_copies, created_at, updated_at
		 FROM books
		 WHERE available_copies > 0
		 ORDER BY title`,
	)
}

func (r *PostgresRepository) listBooks(ctx context.Context, query string) ([]model.Book, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	var res []model.Book
	for rows.Next() {
		var b model.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Category, &b.Description,
			&b.TotalCopies, &b.AvailableCopies, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateBook сохраняет изменённые поля книги.
func (r *PostgresRepository) UpdateBook(ctx context.Context, b *model.Book) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE books
		 SET title = $2, author = $3, isbn = $4, category = $5, description = $6,
		     total_copies = $7, available_copies = $8, updated_at = now()
		 WHERE id = $1`,
		b.ID, b.Title, b.Author, b.ISBN, b.Category, b.Description, b.TotalCopies, b.AvailableCopies,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrISBNExists, b.ISBN)
			}
			if pgErr.Code == pgerrcode.CheckViolation {
				return fmt.Errorf("%w: book %d", ErrInvariantViolation, b.ID)
			}
		}
		return fmt.Errorf("update book: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// DeleteBook удаляет книгу без открытых выдач из каталога.
func (r *PostgresRepository) DeleteBook(ctx context.Context, id int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var openLoans int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM loans WHERE book_id = $1 AND is_returned = FALSE`,
			id,
		).Scan(&openLoans)
		if err != nil {
			return fmt.Errorf("count open loans: %w", err)
		}
		if openLoans > 0 {
			return fmt.Errorf("%w: book %d", ErrBookHasOpenLoans, id)
		}

		cmdTag, err := tx.Exec(ctx, `DELETE FROM books WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrBookNotFound
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// BorrowBook создаёт выдачу книги в одной транзакции с уменьшением числа
// свободных экземпляров. Строка книги блокируется, чтобы параллельные выдачи
// последнего экземпляра не прошли проверку доступности одновременно.
func (r *PostgresRepository) BorrowBook(ctx context.Context, memberID string, bookID int64, borrowedAt, dueDate time.Time) (*model.Loan, error) {
	var loan *model.Loan

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var isActive bool
		err = tx.QueryRow(ctx, `SELECT is_active FROM members WHERE id = $1`, memberID).Scan(&isActive)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrMemberNotFound, memberID)
			}
			return fmt.Errorf("select member: %w", err)
		}
		if !isActive {
			return fmt.Errorf("%w: %s", ErrMemberInactive, memberID)
		}

		var available, total int
		err = tx.QueryRow(ctx,
			`SELECT available_copies, total_copies FROM books WHERE id = $1 FOR UPDATE`,
			bookID,
		).Scan(&available, &total)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrBookNotFound, bookID)
			}
			return fmt.Errorf("lock book for update: %w", err)
		}
		if available <= 0 {
			return fmt.Errorf("%w: book %d", ErrBookUnavailable, bookID)
		}

		var loanID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO loans (member_id, book_id, borrowed_date, due_date)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			memberID, bookID, borrowedAt, dueDate,
		).Scan(&loanID)
		if err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE books SET available_copies = available_copies - 1, updated_at = now() WHERE id = $1`,
			bookID,
		)
		if err != nil {
			return fmt.Errorf("decrement available copies: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		loan = &model.Loan{
			ID:           loanID,
			MemberID:     memberID,
			BookID:       bookID,
			BorrowedDate: borrowedAt,
			DueDate:      dueDate,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return loan, nil
}

// ReturnLoan помечает выдачу возвращённой, фиксирует штраф и возвращает
// экземпляр в фонд в одной транзакции. Повторный возврат отклоняется.
func (r *PostgresRepository) ReturnLoan(ctx context.Context, loanID int64, now time.Time, ratePerDayCents int64) (*model.Loan, error) {
	var loan *model.Loan

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var l model.Loan
		err = tx.QueryRow(ctx,
			`SELECT id, member_id, book_id, borrowed_date, due_date, is_returned
			 FROM loans WHERE id = $1 FOR UPDATE`,
			loanID,
		).Scan(&l.ID, &l.MemberID, &l.BookID, &l.BorrowedDate, &l.DueDate, &l.IsReturned)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %d", ErrLoanNotFound, loanID)
			}
			return fmt.Errorf("lock loan for update: %w", err)
		}
		if l.IsReturned {
			return fmt.Errorf("%w: %d", ErrAlreadyReturned, loanID)
		}

		var available, total int
		err = tx.QueryRow(ctx,
			`SELECT available_copies, total_copies FROM books WHERE id = $1 FOR UPDATE`,
			l.BookID,
		).Scan(&available, &total)
		if err != nil {
			return fmt.Errorf("lock book for update: %w", err)
		}
		// Превышение общего числа экземпляров означает испорченный учёт:
		// завершаем ошибкой, а не молча подрезаем значение.
		if available+1 > total {
			return fmt.Errorf("%w: book %d has %d of %d copies available before return",
				ErrInvariantViolation, l.BookID, available, total)
		}

		fineCents := fine.Amount(l.DueDate, now, ratePerDayCents)

		_, err = tx.Exec(ctx,
			`UPDATE loans SET is_returned = TRUE, returned_date = $2, fine_amount = $3 WHERE id = $1`,
			loanID, now, fineCents,
		)
		if err != nil {
			return fmt.Errorf("update loan: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE books SET available_copies = available_copies + 1, updated_at = now() WHERE id = $1`,
			l.BookID,
		)
		if err != nil {
			return fmt.Errorf("increment available copies: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		l.IsReturned = true
		l.ReturnedDate = &now
		l.FineCents = fineCents
		loan = &l
		return nil
	})
	if err != nil {
		return nil, err
	}

	return loan, nil
}

// ListLoans возвращает все выдачи с данными читателя и книги. Книга
// присоединяется через LEFT JOIN: история выдач переживает удаление книги.
func (r *PostgresRepository) ListLoans(ctx context.Context) ([]model.Loan, error) {
	return r.listLoans(ctx,
		`SELECT l.id, l.member_id, l.book_id, l.borrowed_date, l.due_date,
		        l.returned_date, l.is_returned, l.fine_amount,
		        m.full_name, m.email, COALESCE(b.title, ''), COALESCE(b.author, '')
		 FROM loans l
		 JOIN members m ON l.member_id = m.id
		 LEFT JOIN books b ON l.book_id = b.id
		 ORDER BY l.borrowed_date DESC`,
	)
}

// ListLoansByMember возвращает выдачи одного читателя.
func (r *PostgresRepository) ListLoansByMember(ctx context.Context, memberID string) ([]model.Loan, error) {
	return r.listLoans(ctx,
		`SELECT l.id, l.member_id, l.book_id, l.borrowed_date, l.due_date,
		        l.returned_date, l.is_returned, l.fine_amount,
		        m.full_name, m.email, COALESCE(b.title, ''), COALESCE(b.author, '')
		 FROM loans l
		 JOIN members m ON l.member_id = m.id
		 LEFT JOIN books b ON l.book_id = b.id
		 WHERE l.member_id = $1
		 ORDER BY l.borrowed_date DESC`,
		memberID,
	)
}

// ListOverdueLoans возвращает активные выдачи, просроченные на момент asOf.
func (r *PostgresRepository) ListOverdueLoans(ctx context.Context, asOf time.Time) ([]model.Loan, error) {
	return r.listLoans(ctx,
		`SELECT l.id, l.member_id, l.book_id, l.borrowed_date, l.due_date,
		        l.returned_date, l.is_returned, l.fine_amount,
		        m.full_name, m.email, COALESCE(b.title, ''), COALESCE(b.author, '')
		 FROM loans l
		 JOIN members m ON l.member_id = m.id
		 LEFT JOIN books b ON l.book_id = b.id
		 WHERE l.is_returned = FALSE AND l.due_date < $1
		 ORDER BY l.due_date`,
		asOf,
	)
}

func (r *PostgresRepository) listLoans(ctx context.Context, query string, args ...any) ([]model.Loan, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select loans: %w", err)
	}
	defer rows.Close()

	var res []model.Loan
	for rows.Next() {
		var l model.Loan
		if err := rows.Scan(&l.ID, &l.MemberID, &l.BookID, &l.BorrowedDate, &l.DueDate,
			&l.ReturnedDate, &l.IsReturned, &l.FineCents,
			&l.MemberName, &l.MemberEmail, &l.BookTitle, &l.BookAuthor); err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		res = append(res, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecomputeFines пересчитывает и сохраняет штрафы по всем просроченным активным
// выдачам. Операция идемпотентна: сумма всегда выводится из срока возврата и
// текущего момента, а не из ранее сохранённого значения.
func (r *PostgresRepository) RecomputeFines(ctx context.Context, now time.Time, ratePerDayCents int64) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE loans
		 SET fine_amount = GREATEST(0, FLOOR(EXTRACT(EPOCH FROM ($1::timestamptz - due_date)) / 86400))::bigint * $2
		 WHERE is_returned = FALSE AND due_date < $1`,
		now, ratePerDayCents,
	)
	if err != nil {
		return 0, fmt.Errorf("recompute fines: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
