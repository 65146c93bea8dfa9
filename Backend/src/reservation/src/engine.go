package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Events es el contrato hacia el colaborador de notificaciones (ver rabbit.go).
// Puede ser nil: el motor funciona igual sin broker.
type Events interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Engine orquesta las transiciones de reserva. Toda operación multi-paso
// (ledger + registro + contador del socio) va en UNA transacción: o entra
// todo o no entra nada. Los contadores de titles y members sólo se tocan
// por aquí; ningún otro camino escribe esos campos.
type Engine struct {
	repo   *Repository
	ledger Ledger
	policy CooldownPolicy
	cfg    Config
	events Events
	cache  *TitleCache
	now    func() time.Time
}

func NewEngine(repo *Repository, policy CooldownPolicy, cfg Config, events Events, cache *TitleCache) *Engine {
	return &Engine{
		repo:   repo,
		policy: policy,
		cfg:    cfg,
		events: events,
		cache:  cache,
		now:    time.Now,
	}
}

// Create intenta un hold para el socio. Precondiciones en orden (sin mutación
// parcial antes de pasarlas todas), luego decremento condicionado del ledger,
// inserción del registro y contador del socio, todo en una transacción.
func (e *Engine) Create(ctx context.Context, memberID, titleID int64) (*Reservation, error) {
	// Primero recuperar holds vencidos del título, para que reservas
	// abandonadas no bloqueen cupo de verdad disponible.
	if _, err := e.expireOverdue(ctx, &titleID); err != nil {
		log.Warn().Err(err).Int64("title", titleID).Msg("create: inline reclaim failed")
	}

	now := e.now()
	var rv *Reservation
	var counters TitleCounters

	err := e.repo.WithTx(ctx, func(tx *sql.Tx) error {
		m, err := e.repo.GetMember(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrMemberNotFound
		}
		if m.Standing != StandingActive {
			return ErrMemberNotEligible
		}
		if m.CooldownActive(now) {
			return &CooldownActiveError{Until: time.Unix(m.CooldownUntilUnix, 0)}
		}
		if int(m.ActiveReservations) >= e.cfg.MaxActiveReservations {
			return ErrReservationLimit
		}

		if err := e.ledger.TryReserveCopy(ctx, tx, titleID); err != nil {
			return err
		}

		r := &Reservation{
			TitleID:      titleID,
			MemberID:     memberID,
			Status:       StatusReserved,
			ReservedUnix: now.Unix(),
			ExpiresUnix:  now.Add(e.cfg.HoldWindow).Unix(),
		}
		id, err := e.repo.InsertReservation(ctx, tx, r)
		if err != nil {
			return err
		}
		r.ID = id

		if err := e.repo.AddActiveReservation(ctx, tx, memberID); err != nil {
			return err
		}

		t, err := e.repo.GetTitle(ctx, tx, titleID)
		if err != nil {
			return err
		}
		counters = t.Counters()
		rv = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.invalidate(titleID)
	e.publish(ctx, RKReservationCreated, ReservationCreatedPayload{
		ReservationID: rv.ID,
		TitleID:       rv.TitleID,
		MemberID:      rv.MemberID,
		ExpiresUnix:   rv.ExpiresUnix,
		Counters:      counters,
	})
	return rv, nil
}

// Cancel es la única transición iniciada por el socio: sólo sobre su propio
// hold aún sin aprobar. Sin castigo por cancelar voluntariamente.
func (e *Engine) Cancel(ctx context.Context, id, memberID int64) error {
	var rv *Reservation
	var counters TitleCounters

	err := e.repo.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.repo.GetReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		if cur.MemberID != memberID {
			return ErrForbidden
		}
		res, err := tx.ExecContext(ctx, `
UPDATE reservations SET status=?, cancelled_reason=? WHERE id=? AND status=?`,
			StatusCancelled, "cancelled by member", id, StatusReserved)
		if err != nil {
			return err
		}
		if err := oneRowOr(res, ErrInvalidTransition); err != nil {
			return err
		}
		if err := e.ledger.ReleaseToAvailable(ctx, tx, cur.TitleID); err != nil {
			return err
		}
		if err := e.repo.ReleaseActiveReservation(ctx, tx, memberID); err != nil {
			return err
		}
		rv, counters, err = e.snapshot(ctx, tx, id, cur.TitleID)
		return err
	})
	if err != nil {
		return err
	}

	e.afterTransition(ctx, rv, counters)
	return nil
}

// Approve: reserved -> approved; el ejemplar pasa de reserved a borrowed y
// arranca el plazo de préstamo. La reserva aprobada sigue contando como
// activa para el socio, así que su contador no cambia aquí.
func (e *Engine) Approve(ctx context.Context, id int64, dueOverride *time.Time) (*Reservation, error) {
	now := e.now()
	due := now.Add(e.cfg.BorrowWindow)
	if dueOverride != nil {
		due = *dueOverride
	}

	return e.transition(ctx, id, StatusReserved, func(tx *sql.Tx, cur *Reservation) error {
		res, err := tx.ExecContext(ctx, `
UPDATE reservations SET status=?, approved_unix=?, due_unix=? WHERE id=? AND status=?`,
			StatusApproved, now.Unix(), due.Unix(), id, StatusReserved)
		if err != nil {
			return err
		}
		if err := oneRowOr(res, ErrInvalidTransition); err != nil {
			return err
		}
		return e.ledger.PromoteToBorrowed(ctx, tx, cur.TitleID)
	})
}

// Decline: reserved -> declined; el ejemplar vuelve a disponible.
func (e *Engine) Decline(ctx context.Context, id int64) (*Reservation, error) {
	return e.transition(ctx, id, StatusReserved, func(tx *sql.Tx, cur *Reservation) error {
		res, err := tx.ExecContext(ctx, `
UPDATE reservations SET status=? WHERE id=? AND status=?`,
			StatusDeclined, id, StatusReserved)
		if err != nil {
			return err
		}
		if err := oneRowOr(res, ErrInvalidTransition); err != nil {
			return err
		}
		if err := e.ledger.ReleaseToAvailable(ctx, tx, cur.TitleID); err != nil {
			return err
		}
		return e.repo.ReleaseActiveReservation(ctx, tx, cur.MemberID)
	})
}

// MarkReturned: approved -> completed; el ejemplar vuelve a disponible.
func (e *Engine) MarkReturned(ctx context.Context, id int64) (*Reservation, error) {
	now := e.now()
	return e.transition(ctx, id, StatusApproved, func(tx *sql.Tx, cur *Reservation) error {
		res, err := tx.ExecContext(ctx, `
UPDATE reservations SET status=?, returned_unix=? WHERE id=? AND status=?`,
			StatusCompleted, now.Unix(), id, StatusApproved)
		if err != nil {
			return err
		}
		if err := oneRowOr(res, ErrInvalidTransition); err != nil {
			return err
		}
		if err := e.ledger.ReturnCopy(ctx, tx, cur.TitleID); err != nil {
			return err
		}
		return e.repo.ReleaseActiveReservation(ctx, tx, cur.MemberID)
	})
}

// MarkLost: approved -> lost; el ejemplar sale de rotación para siempre.
func (e *Engine) MarkLost(ctx context.Context, id int64) (*Reservation, error) {
	return e.transition(ctx, id, StatusApproved, func(tx *sql.Tx, cur *Reservation) error {
		res, err := tx.ExecContext(ctx, `
UPDATE reservations SET status=? WHERE id=? AND status=?`,
			StatusLost, id, StatusApproved)
		if err != nil {
			return err
		}
		if err := oneRowOr(res, ErrInvalidTransition); err != nil {
			return err
		}
		if err := e.ledger.MarkLost(ctx, tx, cur.TitleID); err != nil {
			return err
		}
		return e.repo.ReleaseActiveReservation(ctx, tx, cur.MemberID)
	})
}

// transition encapsula el patrón común de las transiciones de admin: leer el
// registro, aplicar el UPDATE condicionado por el estado actual (re-verifica
// la precondición en la misma sentencia que la escritura) y tomar la foto
// para el evento. apply corre dentro de la transacción.
func (e *Engine) transition(ctx context.Context, id int64, from int32, apply func(tx *sql.Tx, cur *Reservation) error) (*Reservation, error) {
	var rv *Reservation
	var counters TitleCounters

	err := e.repo.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.repo.GetReservation(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		if err := apply(tx, cur); err != nil {
			return err
		}
		rv, counters, err = e.snapshot(ctx, tx, id, cur.TitleID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.afterTransition(ctx, rv, counters)
	return rv, nil
}

// errAlreadyProcessed: otro barrido (u otra petición) ganó la carrera por este
// registro; no es un fallo.
var errAlreadyProcessed = errors.New("hold already processed")

// expireOverdue recupera holds vencidos; con titleID acota a un título (uso
// inline en Create), sin él barre todo. Cada registro va en su propia
// transacción: el fallo de uno se registra y no detiene al resto.
func (e *Engine) expireOverdue(ctx context.Context, titleID *int64) (int, error) {
	now := e.now()
	ids, err := e.repo.ExpiredHoldIDs(ctx, now.Unix(), titleID)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		var rv *Reservation
		var counters TitleCounters

		err := e.repo.WithTx(ctx, func(tx *sql.Tx) error {
			cur, err := e.repo.GetReservation(ctx, tx, id)
			if err != nil {
				return err
			}
			if cur == nil {
				return errAlreadyProcessed
			}
			res, err := tx.ExecContext(ctx, `
UPDATE reservations SET status=? WHERE id=? AND status=? AND expires_unix < ?`,
				StatusExpired, id, StatusReserved, now.Unix())
			if err != nil {
				return err
			}
			if err := oneRowOr(res, errAlreadyProcessed); err != nil {
				return err
			}
			if err := e.ledger.ReleaseToAvailable(ctx, tx, cur.TitleID); err != nil {
				return err
			}
			if err := e.repo.ReleaseActiveReservation(ctx, tx, cur.MemberID); err != nil {
				return err
			}
			m, err := e.repo.GetMember(ctx, tx, cur.MemberID)
			if err != nil {
				return err
			}
			if m == nil {
				return ErrMemberNotFound
			}
			until := e.policy.Until(now, int(m.FailedAttempts)+1)
			if err := e.repo.PenalizeMember(ctx, tx, cur.MemberID, until.Unix()); err != nil {
				return err
			}
			rv, counters, err = e.snapshot(ctx, tx, id, cur.TitleID)
			return err
		})
		if errors.Is(err, errAlreadyProcessed) {
			continue
		}
		if err != nil {
			log.Error().Err(err).Int64("reservation", id).Msg("sweep: expire failed, skipping")
			continue
		}

		e.afterTransition(ctx, rv, counters)
		processed++
	}
	return processed, nil
}

// ListReservations devuelve las reservas del socio y su estado de castigo.
func (e *Engine) ListReservations(ctx context.Context, memberID int64) ([]*Reservation, *Member, error) {
	m, err := e.repo.GetMember(ctx, e.repo.DB, memberID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, ErrMemberNotFound
	}
	list, err := e.repo.ListByMember(ctx, memberID)
	if err != nil {
		return nil, nil, err
	}
	return list, m, nil
}

func (e *Engine) snapshot(ctx context.Context, tx *sql.Tx, resID, titleID int64) (*Reservation, TitleCounters, error) {
	rv, err := e.repo.GetReservation(ctx, tx, resID)
	if err != nil {
		return nil, TitleCounters{}, err
	}
	t, err := e.repo.GetTitle(ctx, tx, titleID)
	if err != nil {
		return nil, TitleCounters{}, err
	}
	if rv == nil || t == nil {
		return nil, TitleCounters{}, ErrNotFound
	}
	return rv, t.Counters(), nil
}

func (e *Engine) afterTransition(ctx context.Context, rv *Reservation, counters TitleCounters) {
	e.invalidate(rv.TitleID)
	e.publish(ctx, RKReservationUpdated, ReservationUpdatedPayload{
		ReservationID: rv.ID,
		TitleID:       rv.TitleID,
		MemberID:      rv.MemberID,
		Status:        StatusName(rv.Status),
		Counters:      counters,
	})
}

func (e *Engine) invalidate(titleID int64) {
	if e.cache != nil {
		e.cache.Invalidate(titleID)
	}
}

// publish es fire-and-forget: el fallo se registra y nada más.
func (e *Engine) publish(ctx context.Context, rk string, payload any) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, rk, payload); err != nil {
		log.Error().Err(err).Str("rk", rk).Msg("publish event failed")
	}
}
