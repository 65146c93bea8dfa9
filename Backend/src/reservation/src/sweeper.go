package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper corre por su cuenta en un ticker y usa las mismas primitivas
// protegidas que los handlers: no hay un camino "batch" con garantías
// más flojas, ni comparte transacción con las peticiones.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	horizon  time.Duration
}

func NewSweeper(engine *Engine, interval, horizon time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval, horizon: horizon}
}

func (s *Sweeper) Start(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.RunExpirySweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			} else if n > 0 {
				log.Info().Int("processed", n).Msg("sweep done")
			}
			if n, err := s.RunReminderScan(ctx); err != nil {
				log.Error().Err(err).Msg("reminder scan failed")
			} else if n > 0 {
				log.Info().Int("reminded", n).Msg("reminder scan done")
			}
		}
	}
}

// RunExpirySweep pasa a expired todo hold con la ventana vencida y libera su
// ejemplar. Idempotente: el predicado estado+vencimiento excluye lo ya barrido.
func (s *Sweeper) RunExpirySweep(ctx context.Context) (int, error) {
	return s.engine.expireOverdue(ctx, nil)
}

// RunReminderScan avisa una única vez por reserva cuando el hold está por
// vencer. Es cortesía, no corrección: si el aviso falla el hold expira igual.
func (s *Sweeper) RunReminderScan(ctx context.Context) (int, error) {
	now := s.engine.now()
	list, err := s.engine.repo.ExpiringSoon(ctx, now.Unix(), now.Add(s.horizon).Unix())
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rv := range list {
		won, err := s.engine.repo.MarkReminderSent(ctx, rv.ID)
		if err != nil {
			log.Error().Err(err).Int64("reservation", rv.ID).Msg("reminder: mark failed, skipping")
			continue
		}
		if !won {
			continue
		}
		s.engine.publish(ctx, RKReservationExpiringSoon, ReservationExpiringSoonPayload{
			ReservationID: rv.ID,
			TitleID:       rv.TitleID,
			MemberID:      rv.MemberID,
			ExpiresUnix:   rv.ExpiresUnix,
		})
		sent++
	}
	return sent, nil
}
