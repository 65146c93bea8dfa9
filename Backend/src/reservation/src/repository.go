package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // driver 100% Go
)

type Repository struct {
	DB *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	// busy_timeout para no ver "database is locked" bajo concurrencia
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout=5000&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(2 * time.Minute)
	db.SetMaxOpenConns(1)

	r := &Repository{DB: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS titles(
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  name            TEXT NOT NULL,
  author          TEXT NOT NULL DEFAULT '',
  total_copies    INTEGER NOT NULL DEFAULT 0 CHECK(total_copies >= 0),
  available_count INTEGER NOT NULL DEFAULT 0 CHECK(available_count >= 0),
  reserved_count  INTEGER NOT NULL DEFAULT 0 CHECK(reserved_count >= 0),
  borrowed_count  INTEGER NOT NULL DEFAULT 0 CHECK(borrowed_count >= 0),
  lost_count      INTEGER NOT NULL DEFAULT 0 CHECK(lost_count >= 0),
  updated_unix    INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE TABLE IF NOT EXISTS members(
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  name                TEXT NOT NULL,
  standing            INTEGER NOT NULL DEFAULT 0,
  active_reservations INTEGER NOT NULL DEFAULT 0 CHECK(active_reservations >= 0),
  cooldown_until_unix INTEGER NOT NULL DEFAULT 0,
  failed_attempts     INTEGER NOT NULL DEFAULT 0,
  updated_unix        INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE TABLE IF NOT EXISTS reservations(
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  title_id         INTEGER NOT NULL,
  member_id        INTEGER NOT NULL,
  status           INTEGER NOT NULL,
  reserved_unix    INTEGER NOT NULL,
  expires_unix     INTEGER NOT NULL,
  due_unix         INTEGER NOT NULL DEFAULT 0,
  approved_unix    INTEGER NOT NULL DEFAULT 0,
  returned_unix    INTEGER NOT NULL DEFAULT 0,
  cancelled_reason TEXT NOT NULL DEFAULT '',
  reminder_sent    INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(title_id)  REFERENCES titles(id),
  FOREIGN KEY(member_id) REFERENCES members(id)
);
CREATE INDEX IF NOT EXISTS idx_res_status_expires ON reservations(status, expires_unix);
CREATE INDEX IF NOT EXISTS idx_res_member_status  ON reservations(member_id, status);
CREATE INDEX IF NOT EXISTS idx_res_title_status   ON reservations(title_id, status);
`
	_, err := r.DB.ExecContext(ctx, schema)
	return err
}

func (r *Repository) Close() error { return r.DB.Close() }

// WithTx ejecuta fn dentro de una transacción; commit sólo si fn no falla.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// seed inicial opcional (para pruebas y demos)
func (r *Repository) Seed(ctx context.Context) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		titles := [][]any{
			{1, "Cien años de soledad", "Gabriel García Márquez", 3},
			{2, "El amor en los tiempos del cólera", "Gabriel García Márquez", 1},
			{3, "La vorágine", "José Eustasio Rivera", 2},
			{4, "Delirio", "Laura Restrepo", 1},
		}
		for _, t := range titles {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO titles(id,name,author,total_copies,available_count)
VALUES(?,?,?,?,?) ON CONFLICT(id) DO NOTHING`, t[0], t[1], t[2], t[3], t[3]); err != nil {
				return err
			}
		}
		members := [][]any{
			{1, "Ana", StandingActive},
			{2, "Benito", StandingActive},
			{3, "Carla", StandingPending},
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO members(id,name,standing)
VALUES(?,?,?) ON CONFLICT(id) DO NOTHING`, m[0], m[1], m[2]); err != nil {
				return err
			}
		}
		return nil
	})
}

// querier cubre tanto *sql.DB como *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const titleCols = `id,name,author,total_copies,available_count,reserved_count,borrowed_count,lost_count,updated_unix`

func scanTitle(row *sql.Row) (*Title, error) {
	var t Title
	err := row.Scan(&t.ID, &t.Name, &t.Author, &t.TotalCopies,
		&t.AvailableCount, &t.ReservedCount, &t.BorrowedCount, &t.LostCount, &t.UpdatedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) GetTitle(ctx context.Context, q querier, id int64) (*Title, error) {
	return scanTitle(q.QueryRowContext(ctx, `SELECT `+titleCols+` FROM titles WHERE id=?`, id))
}

func (r *Repository) ListTitles(ctx context.Context) ([]*Title, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+titleCols+` FROM titles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Title
	for rows.Next() {
		var t Title
		if err := rows.Scan(&t.ID, &t.Name, &t.Author, &t.TotalCopies,
			&t.AvailableCount, &t.ReservedCount, &t.BorrowedCount, &t.LostCount, &t.UpdatedUnix); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *Repository) ListTitleIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM titles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *Repository) GetMember(ctx context.Context, q querier, id int64) (*Member, error) {
	row := q.QueryRowContext(ctx, `
SELECT id,name,standing,active_reservations,cooldown_until_unix,failed_attempts,updated_unix
FROM members WHERE id=?`, id)
	var m Member
	err := row.Scan(&m.ID, &m.Name, &m.Standing, &m.ActiveReservations,
		&m.CooldownUntilUnix, &m.FailedAttempts, &m.UpdatedUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AddActiveReservation incrementa el contador denormalizado del socio.
func (r *Repository) AddActiveReservation(ctx context.Context, q querier, memberID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE members SET active_reservations = active_reservations + 1,
       updated_unix = strftime('%s','now')
WHERE id=?`, memberID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrMemberNotFound)
}

// ReleaseActiveReservation decrementa con tope en 0: el contador es best-effort
// y un decremento de más no debe tumbar la transacción (lo repara la reconciliación).
func (r *Repository) ReleaseActiveReservation(ctx context.Context, q querier, memberID int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE members SET active_reservations = CASE
       WHEN active_reservations > 0 THEN active_reservations - 1
       ELSE 0 END,
       updated_unix = strftime('%s','now')
WHERE id=?`, memberID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrMemberNotFound)
}

// PenalizeMember fija el fin del castigo y suma el intento fallido.
func (r *Repository) PenalizeMember(ctx context.Context, q querier, memberID, untilUnix int64) error {
	res, err := q.ExecContext(ctx, `
UPDATE members SET cooldown_until_unix = ?,
       failed_attempts = failed_attempts + 1,
       updated_unix = strftime('%s','now')
WHERE id=?`, untilUnix, memberID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrMemberNotFound)
}

const reservationCols = `id,title_id,member_id,status,reserved_unix,expires_unix,due_unix,approved_unix,returned_unix,cancelled_reason,reminder_sent`

func scanReservation(row *sql.Row) (*Reservation, error) {
	var rv Reservation
	err := row.Scan(&rv.ID, &rv.TitleID, &rv.MemberID, &rv.Status, &rv.ReservedUnix,
		&rv.ExpiresUnix, &rv.DueUnix, &rv.ApprovedUnix, &rv.ReturnedUnix,
		&rv.CancelledReason, &rv.ReminderSent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rv, nil
}

func (r *Repository) GetReservation(ctx context.Context, q querier, id int64) (*Reservation, error) {
	return scanReservation(q.QueryRowContext(ctx,
		`SELECT `+reservationCols+` FROM reservations WHERE id=?`, id))
}

func (r *Repository) InsertReservation(ctx context.Context, q querier, rv *Reservation) (int64, error) {
	res, err := q.ExecContext(ctx, `
INSERT INTO reservations(title_id,member_id,status,reserved_unix,expires_unix)
VALUES(?,?,?,?,?)`, rv.TitleID, rv.MemberID, rv.Status, rv.ReservedUnix, rv.ExpiresUnix)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) ListByMember(ctx context.Context, memberID int64) ([]*Reservation, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+reservationCols+` FROM reservations WHERE member_id=? ORDER BY id DESC`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		var rv Reservation
		if err := rows.Scan(&rv.ID, &rv.TitleID, &rv.MemberID, &rv.Status, &rv.ReservedUnix,
			&rv.ExpiresUnix, &rv.DueUnix, &rv.ApprovedUnix, &rv.ReturnedUnix,
			&rv.CancelledReason, &rv.ReminderSent); err != nil {
			return nil, err
		}
		out = append(out, &rv)
	}
	return out, rows.Err()
}

// ExpiredHoldIDs lista holds vencidos; con titleID acota al título (recuperación
// inline en Create). Sólo ids: cada uno se procesa luego en su propia transacción.
func (r *Repository) ExpiredHoldIDs(ctx context.Context, nowUnix int64, titleID *int64) ([]int64, error) {
	q := `SELECT id FROM reservations WHERE status=? AND expires_unix < ?`
	args := []any{StatusReserved, nowUnix}
	if titleID != nil {
		q += ` AND title_id=?`
		args = append(args, *titleID)
	}
	rows, err := r.DB.QueryContext(ctx, q+` ORDER BY expires_unix`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ExpiringSoon lista holds que vencen dentro del horizonte y aún sin recordatorio.
func (r *Repository) ExpiringSoon(ctx context.Context, nowUnix, horizonUnix int64) ([]*Reservation, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+reservationCols+` FROM reservations
WHERE status=? AND reminder_sent=0 AND expires_unix >= ? AND expires_unix < ?
ORDER BY expires_unix`, StatusReserved, nowUnix, horizonUnix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		var rv Reservation
		if err := rows.Scan(&rv.ID, &rv.TitleID, &rv.MemberID, &rv.Status, &rv.ReservedUnix,
			&rv.ExpiresUnix, &rv.DueUnix, &rv.ApprovedUnix, &rv.ReturnedUnix,
			&rv.CancelledReason, &rv.ReminderSent); err != nil {
			return nil, err
		}
		out = append(out, &rv)
	}
	return out, rows.Err()
}

// MarkReminderSent es el candado de "exactamente una vez" del recordatorio:
// sólo gana quien encuentra el flag apagado.
func (r *Repository) MarkReminderSent(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
UPDATE reservations SET reminder_sent=1 WHERE id=? AND status=? AND reminder_sent=0`,
		id, StatusReserved)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// StatusCounts recuenta reservas por estado para un título (verdad de terreno).
func (r *Repository) StatusCounts(ctx context.Context, q querier, titleID int64) (reserved, borrowed, lost int32, err error) {
	rows, err := q.QueryContext(ctx, `
SELECT status, COUNT(1) FROM reservations WHERE title_id=? GROUP BY status`, titleID)
	if err != nil {
		return 0, 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var st int32
		var c int32
		if err := rows.Scan(&st, &c); err != nil {
			return 0, 0, 0, err
		}
		switch st {
		case StatusReserved:
			reserved = c
		case StatusApproved:
			borrowed = c
		case StatusLost:
			lost = c
		}
	}
	return reserved, borrowed, lost, rows.Err()
}

func oneRowOr(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
