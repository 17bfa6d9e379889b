// Package fine содержит расчёт штрафа за просроченный возврат книги.
package fine

import "time"

// DefaultRatePerDayCents — ставка штрафа по умолчанию в копейках за сутки просрочки.
const DefaultRatePerDayCents int64 = 250

// DaysOverdue возвращает число полных суток просрочки на момент asOf.
// Пока срок не наступил, просрочка равна нулю.
func DaysOverdue(dueDate, asOf time.Time) int64 {
	if !asOf.After(dueDate) {
		return 0
	}
	return int64(asOf.Sub(dueDate) / (24 * time.Hour))
}

// Amount возвращает сумму штрафа в копейках: полные сутки просрочки,
// умноженные на суточную ставку. Для невалидной ставки сумма равна нулю.
func Amount(dueDate, asOf time.Time, ratePerDayCents int64) int64 {
	if ratePerDayCents <= 0 {
		return 0
	}
	return DaysOverdue(dueDate, asOf) * ratePerDayCents
}
