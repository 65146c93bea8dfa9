package main

import (
	"context"
	"database/sql"
	"fmt"
)

// Ledger es el único punto de entrada a los contadores de titles. Cada operación
// es UN solo UPDATE condicionado: la verificación y el decremento viajan en la
// misma sentencia, así dos holds concurrentes no pueden ver ambos available > 0
// y decrementar los dos.
type Ledger struct{}

// TryReserveCopy mueve un ejemplar de available a reserved sólo si queda alguno.
func (Ledger) TryReserveCopy(ctx context.Context, q querier, titleID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE titles SET available_count = available_count - 1,
       reserved_count  = reserved_count + 1,
       updated_unix    = strftime('%s','now')
WHERE id=? AND available_count > 0`, titleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// 0 filas: o el título no existe o no quedan ejemplares
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM titles WHERE id=?)`, titleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTitleNotFound
	}
	return ErrNoCopiesAvailable
}

// ReleaseToAvailable devuelve un ejemplar reservado a disponible; reserved con
// tope en 0 por si hubo drift (la suma la repara la reconciliación).
func (Ledger) ReleaseToAvailable(ctx context.Context, q querier, titleID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE titles SET available_count = available_count + 1,
       reserved_count = CASE WHEN reserved_count > 0 THEN reserved_count - 1 ELSE 0 END,
       updated_unix   = strftime('%s','now')
WHERE id=?`, titleID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrTitleNotFound)
}

// PromoteToBorrowed mueve reserved -> borrowed (el socio recogió el ejemplar).
func (Ledger) PromoteToBorrowed(ctx context.Context, q querier, titleID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE titles SET reserved_count = reserved_count - 1,
       borrowed_count = borrowed_count + 1,
       updated_unix   = strftime('%s','now')
WHERE id=? AND reserved_count > 0`, titleID)
	if err != nil {
		return err
	}
	return guardedMove(ctx, q, res, titleID, "reserved")
}

// ReturnCopy mueve borrowed -> available.
func (Ledger) ReturnCopy(ctx context.Context, q querier, titleID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE titles SET borrowed_count = borrowed_count - 1,
       available_count = available_count + 1,
       updated_unix    = strftime('%s','now')
WHERE id=? AND borrowed_count > 0`, titleID)
	if err != nil {
		return err
	}
	return guardedMove(ctx, q, res, titleID, "borrowed")
}

// MarkLost retira un ejemplar prestado de la rotación: borrowed -> lost,
// nunca vuelve a available.
func (Ledger) MarkLost(ctx context.Context, q querier, titleID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE titles SET borrowed_count = borrowed_count - 1,
       lost_count   = lost_count + 1,
       updated_unix = strftime('%s','now')
WHERE id=? AND borrowed_count > 0`, titleID)
	if err != nil {
		return err
	}
	return guardedMove(ctx, q, res, titleID, "borrowed")
}

// guardedMove interpreta un UPDATE condicionado que no tocó filas: título
// inexistente o contador en cero cuando la máquina de estados dice que no
// debería (drift); en ambos casos la transacción debe fallar, no seguir.
func guardedMove(ctx context.Context, q querier, res sql.Result, titleID int64, bucket string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM titles WHERE id=?)`, titleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTitleNotFound
	}
	return fmt.Errorf("ledger: %s count for title %d already at zero", bucket, titleID)
}
