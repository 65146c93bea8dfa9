package main

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"
)

// Reconciler repara el drift de contadores tras caídas a mitad de transacción
// o ediciones administrativas directas: la tabla de reservas es la verdad de
// terreno y los contadores del título son una caché que se sobreescribe.
// Seguro de correr en cualquier momento, con tráfico en vivo incluido.
type Reconciler struct {
	repo  *Repository
	cache *TitleCache
}

func NewReconciler(repo *Repository, cache *TitleCache) *Reconciler {
	return &Reconciler{repo: repo, cache: cache}
}

// RunReconciliation recalcula los contadores de cada título y devuelve cuántos
// hubo que corregir. El fallo de un título no aborta los demás.
func (j *Reconciler) RunReconciliation(ctx context.Context) (int, error) {
	ids, err := j.repo.ListTitleIDs(ctx)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, id := range ids {
		changed, err := j.reconcileTitle(ctx, id)
		if err != nil {
			log.Error().Err(err).Int64("title", id).Msg("reconcile: title failed, skipping")
			continue
		}
		if changed {
			corrected++
			j.cache.Invalidate(id)
		}
	}
	return corrected, nil
}

func (j *Reconciler) reconcileTitle(ctx context.Context, titleID int64) (bool, error) {
	changed := false
	err := j.repo.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := j.repo.GetTitle(ctx, tx, titleID)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrTitleNotFound
		}

		reserved, borrowed, lost, err := j.repo.StatusCounts(ctx, tx, titleID)
		if err != nil {
			return err
		}
		available := t.TotalCopies - (reserved + borrowed + lost)
		if available < 0 {
			available = 0
		}

		if t.AvailableCount == available && t.ReservedCount == reserved &&
			t.BorrowedCount == borrowed && t.LostCount == lost {
			return nil
		}

		// Único sitio del sistema donde los contadores se fijan en vez de
		// moverse en pares: se escriben los valores recontados completos.
		if _, err := tx.ExecContext(ctx, `
UPDATE titles SET available_count=?, reserved_count=?, borrowed_count=?, lost_count=?,
       updated_unix=strftime('%s','now')
WHERE id=?`, available, reserved, borrowed, lost, titleID); err != nil {
			return err
		}

		log.Warn().Int64("title", titleID).
			Int32("available", available).Int32("reserved", reserved).
			Int32("borrowed", borrowed).Int32("lost", lost).
			Msg("reconcile: counters corrected")
		changed = true
		return nil
	})
	return changed, err
}
