// Package model содержит доменные сущности библиотечного сервиса.
package model

import "time"

// MemberRole описывает роль участника библиотеки.
type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Member представляет зарегистрированного читателя библиотеки.
type Member struct {
	ID             string
	FullName       string
	Email          string
	Phone          string
	Address        string
	PasswordHash   []byte
	IsActive       bool
	Role           MemberRole
	MembershipDate time.Time
}

// Book описывает книгу каталога и учёт её экземпляров.
type Book struct {
	ID              int64
	Title           string
	Author          string
	ISBN            string
	Category        string
	Description     string
	TotalCopies     int
	AvailableCopies int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LoanStatus описывает состояние выдачи книги.
type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "ACTIVE"
	LoanStatusReturned LoanStatus = "RETURNED"
)

// Loan описывает факт выдачи одного экземпляра книги читателю.
// Сумма штрафа хранится в копейках.
type Loan struct {
	ID           int64
	MemberID     string
	BookID       int64
	BorrowedDate time.Time
	DueDate      time.Time
	ReturnedDate *time.Time
	IsReturned   bool
	FineCents    int64

	// Данные из связанных таблиц, заполняются списочными запросами.
	MemberName  string
	MemberEmail string
	BookTitle   string
	BookAuthor  string
}

// Status возвращает состояние выдачи.
func (l *Loan) Status() LoanStatus {
	if l.IsReturned {
		return LoanStatusReturned
	}
	return LoanStatusActive
}

// IsOverdue сообщает, просрочена ли активная выдача на момент asOf.
func (l *Loan) IsOverdue(asOf time.Time) bool {
	return !l.IsReturned && l.DueDate.Before(asOf)
}
