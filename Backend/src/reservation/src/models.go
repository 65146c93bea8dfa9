package main

import (
	"errors"
	"fmt"
	"time"
)

// Estados de una reserva. Con la única transición intermedia reserved -> approved;
// declined, cancelled, expired, completed y lost son terminales.
const (
	StatusUnspecified = 0
	StatusReserved    = 1
	StatusApproved    = 2
	StatusCompleted   = 3
	StatusDeclined    = 4
	StatusCancelled   = 5
	StatusExpired     = 6
	StatusLost        = 7
)

func StatusName(st int32) string {
	switch st {
	case StatusReserved:
		return "RESERVED"
	case StatusApproved:
		return "APPROVED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusDeclined:
		return "DECLINED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	case StatusLost:
		return "LOST"
	default:
		return "UNSPECIFIED"
	}
}

func IsTerminal(st int32) bool {
	switch st {
	case StatusCompleted, StatusDeclined, StatusCancelled, StatusExpired, StatusLost:
		return true
	}
	return false
}

// Estado del socio frente al sistema; sólo Active puede reservar.
const (
	StandingPending  = 0
	StandingActive   = 1
	StandingInactive = 2
	StandingBlocked  = 3
)

// Título:
// total_copies: ejemplares físicos del título
// available + reserved + borrowed + lost == total_copies, siempre.
// Cada mutación es un par incremento/decremento entre cubetas, nunca un set suelto.
type Title struct {
	ID             int64  `db:"id"`
	Name           string `db:"name"`
	Author         string `db:"author"`
	TotalCopies    int32  `db:"total_copies"`
	AvailableCount int32  `db:"available_count"`
	ReservedCount  int32  `db:"reserved_count"`
	BorrowedCount  int32  `db:"borrowed_count"`
	LostCount      int32  `db:"lost_count"`
	UpdatedUnix    int64  `db:"updated_unix"`
}

// DisplayStatus es una proyección derivada, nunca verdad almacenada.
// Con ejemplares libres gana Available; sin libres, la cubeta no vacía de mayor
// precedencia (lost > borrowed > reserved); un título sin ejemplares es Unavailable.
func (t *Title) DisplayStatus() string {
	if t.AvailableCount > 0 {
		return "AVAILABLE"
	}
	if t.LostCount > 0 {
		return "LOST"
	}
	if t.BorrowedCount > 0 {
		return "BORROWED"
	}
	if t.ReservedCount > 0 {
		return "RESERVED"
	}
	return "UNAVAILABLE"
}

func (t *Title) Counters() TitleCounters {
	return TitleCounters{
		TitleID:   t.ID,
		Total:     t.TotalCopies,
		Available: t.AvailableCount,
		Reserved:  t.ReservedCount,
		Borrowed:  t.BorrowedCount,
		Lost:      t.LostCount,
	}
}

type Member struct {
	ID                 int64  `db:"id"`
	Name               string `db:"name"`
	Standing           int32  `db:"standing"`
	ActiveReservations int32  `db:"active_reservations"`
	CooldownUntilUnix  int64  `db:"cooldown_until_unix"` // 0 = sin castigo
	FailedAttempts     int32  `db:"failed_attempts"`
	UpdatedUnix        int64  `db:"updated_unix"`
}

func (m *Member) CooldownActive(now time.Time) bool {
	return m.CooldownUntilUnix > now.Unix()
}

// Reserva: title_id, member_id y reserved_unix son inmutables tras la creación;
// status y fechas sólo mutan por las transiciones definidas.
type Reservation struct {
	ID              int64  `db:"id"`
	TitleID         int64  `db:"title_id"`
	MemberID        int64  `db:"member_id"`
	Status          int32  `db:"status"`
	ReservedUnix    int64  `db:"reserved_unix"`
	ExpiresUnix     int64  `db:"expires_unix"`
	DueUnix         int64  `db:"due_unix"`      // 0 hasta la aprobación
	ApprovedUnix    int64  `db:"approved_unix"` // 0 hasta la aprobación
	ReturnedUnix    int64  `db:"returned_unix"` // 0 hasta la devolución
	CancelledReason string `db:"cancelled_reason"`
	ReminderSent    bool   `db:"reminder_sent"`
}

// Errores de precondición: esperados, sin mutación, no se reintentan.
var (
	ErrNoCopiesAvailable = errors.New("no copies available")
	ErrMemberNotEligible = errors.New("member is not active")
	ErrReservationLimit  = errors.New("active reservation limit reached")
)

// Errores de estado: el llamador se equivocó, se devuelven tal cual.
var (
	ErrNotFound          = errors.New("reservation not found")
	ErrForbidden         = errors.New("reservation belongs to another member")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTitleNotFound     = errors.New("title not found")
	ErrMemberNotFound    = errors.New("member not found")
)

// CooldownActiveError lleva el fin de la ventana para que la API
// pueda informar los segundos restantes.
type CooldownActiveError struct {
	Until time.Time
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("cooldown active until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *CooldownActiveError) Remaining(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
