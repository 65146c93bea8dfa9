package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// eventRecorder captura lo publicado para poder afirmar sobre los eventos
// sin levantar un broker.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	RK      string
	Payload any
}

func (r *eventRecorder) Publish(_ context.Context, rk string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{RK: rk, Payload: payload})
	return nil
}

func (r *eventRecorder) byKey(rk string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.RK == rk {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxActiveReservations: 2,
		HoldWindow:            2 * time.Hour,
		BorrowWindow:          72 * time.Hour,
		CooldownStages:        []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute},
		SweepInterval:         time.Minute,
		ReminderHorizon:       10 * time.Minute,
		RequestTimeout:        5 * time.Second,
		CacheTTL:              time.Second,
	}
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestEngine(t *testing.T) (*Engine, *Repository, *eventRecorder) {
	t.Helper()
	repo := newTestRepo(t)
	rec := &eventRecorder{}
	cfg := testConfig()
	eng := NewEngine(repo, NewCooldownPolicy(cfg.CooldownStages), cfg, rec, NewTitleCache(cfg.CacheTTL))
	return eng, repo, rec
}

func addTitle(t *testing.T, repo *Repository, id int64, copies int32) {
	t.Helper()
	_, err := repo.DB.Exec(`
INSERT INTO titles(id,name,author,total_copies,available_count)
VALUES(?,?,?,?,?)`, id, "title", "author", copies, copies)
	require.NoError(t, err)
}

func addMember(t *testing.T, repo *Repository, id int64, standing int32) {
	t.Helper()
	_, err := repo.DB.Exec(`INSERT INTO members(id,name,standing) VALUES(?,?,?)`, id, "member", standing)
	require.NoError(t, err)
}

func getTitle(t *testing.T, repo *Repository, id int64) *Title {
	t.Helper()
	title, err := repo.GetTitle(context.Background(), repo.DB, id)
	require.NoError(t, err)
	require.NotNil(t, title)
	return title
}

func getMember(t *testing.T, repo *Repository, id int64) *Member {
	t.Helper()
	m, err := repo.GetMember(context.Background(), repo.DB, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func getReservation(t *testing.T, repo *Repository, id int64) *Reservation {
	t.Helper()
	rv, err := repo.GetReservation(context.Background(), repo.DB, id)
	require.NoError(t, err)
	require.NotNil(t, rv)
	return rv
}

// forceExpire retrasa el vencimiento de un hold para simular abandono.
func forceExpire(t *testing.T, repo *Repository, resID int64) {
	t.Helper()
	_, err := repo.DB.Exec(`UPDATE reservations SET expires_unix=? WHERE id=?`,
		time.Now().Add(-time.Hour).Unix(), resID)
	require.NoError(t, err)
}

func clearCooldown(t *testing.T, repo *Repository, memberID int64) {
	t.Helper()
	_, err := repo.DB.Exec(`UPDATE members SET cooldown_until_unix=0 WHERE id=?`, memberID)
	require.NoError(t, err)
}

// assertInvariant verifica available + reserved + borrowed + lost == total.
func assertInvariant(t *testing.T, repo *Repository, titleID int64) {
	t.Helper()
	title := getTitle(t, repo, titleID)
	sum := title.AvailableCount + title.ReservedCount + title.BorrowedCount + title.LostCount
	require.Equal(t, title.TotalCopies, sum,
		"counter invariant broken: available=%d reserved=%d borrowed=%d lost=%d total=%d",
		title.AvailableCount, title.ReservedCount, title.BorrowedCount, title.LostCount, title.TotalCopies)
}
