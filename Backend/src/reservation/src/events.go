package main

// Eventos de dominio publicados por el servicio de reservas.
// Son cortesía para el colaborador de notificaciones: se publican tras el
// commit y un fallo de entrega jamás revierte la transición que los produjo.
const (
	RKReservationCreated      = "reservation.created"
	RKReservationUpdated      = "reservation.updated"
	RKReservationExpiringSoon = "reservation.expiring_soon"
)

type TitleCounters struct {
	TitleID   int64 `json:"title_id"`
	Total     int32 `json:"total"`
	Available int32 `json:"available"`
	Reserved  int32 `json:"reserved"`
	Borrowed  int32 `json:"borrowed"`
	Lost      int32 `json:"lost"`
}

type ReservationCreatedPayload struct {
	ReservationID int64         `json:"reservation_id"`
	TitleID       int64         `json:"title_id"`
	MemberID      int64         `json:"member_id"`
	ExpiresUnix   int64         `json:"expires_unix"`
	Counters      TitleCounters `json:"counters"`
}

type ReservationUpdatedPayload struct {
	ReservationID int64         `json:"reservation_id"`
	TitleID       int64         `json:"title_id"`
	MemberID      int64         `json:"member_id"`
	Status        string        `json:"status"`
	Counters      TitleCounters `json:"counters"`
}

type ReservationExpiringSoonPayload struct {
	ReservationID int64 `json:"reservation_id"`
	TitleID       int64 `json:"title_id"`
	MemberID      int64 `json:"member_id"`
	ExpiresUnix   int64 `json:"expires_unix"`
}
