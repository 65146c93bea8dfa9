package main

import "time"

// Rutas consumidas del exchange de eventos de dominio.
const (
	RKReservationCreated      = "reservation.created"
	RKReservationUpdated      = "reservation.updated"
	RKReservationExpiringSoon = "reservation.expiring_soon"
)

// Espejo del sobre publicado por el servicio de reservas.
type EventEnvelope struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type ReservationCreatedPayload struct {
	ReservationID int64 `json:"reservation_id"`
	TitleID       int64 `json:"title_id"`
	MemberID      int64 `json:"member_id"`
	ExpiresUnix   int64 `json:"expires_unix"`
}

type ReservationUpdatedPayload struct {
	ReservationID int64  `json:"reservation_id"`
	TitleID       int64  `json:"title_id"`
	MemberID      int64  `json:"member_id"`
	Status        string `json:"status"`
}

type ReservationExpiringSoonPayload struct {
	ReservationID int64 `json:"reservation_id"`
	TitleID       int64 `json:"title_id"`
	MemberID      int64 `json:"member_id"`
	ExpiresUnix   int64 `json:"expires_unix"`
}
