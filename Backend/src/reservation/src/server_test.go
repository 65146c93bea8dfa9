package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (http.Handler, *Repository, *Engine) {
	t.Helper()
	eng, repo, _ := newTestEngine(t)
	cfg := testConfig()
	cache := NewTitleCache(cfg.CacheTTL)
	sw := NewSweeper(eng, cfg.SweepInterval, cfg.ReminderHorizon)
	recon := NewReconciler(repo, cache)
	return NewServer(eng, repo, sw, recon, cache, cfg).Handler(), repo, eng
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func asMember(id int64) map[string]string {
	return map[string]string{"X-Member-ID": strconv.FormatInt(id, 10)}
}

var asAdmin = map[string]string{"X-Admin": "true"}

func TestAPICreateReservation(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 2)
	addMember(t, repo, 1, StandingActive)

	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(1))
	require.Equal(t, http.StatusCreated, w.Code)

	var dto reservationDTO
	decode(t, w, &dto)
	assert.Equal(t, "RESERVED", dto.Status)
	assert.Equal(t, int64(1), dto.TitleID)
	assert.NotEmpty(t, dto.ExpiresAt)
}

func TestAPICreateRequiresIdentity(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 1)

	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPICreateErrorMapping(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 1)
	addMember(t, repo, 1, StandingActive)
	addMember(t, repo, 2, StandingActive)
	addMember(t, repo, 3, StandingBlocked)

	// agotar el título
	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(1))
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("no copies -> 409", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(2))
		assert.Equal(t, http.StatusConflict, w.Code)
		var e map[string]string
		decode(t, w, &e)
		assert.Equal(t, "no_copies_available", e["error"])
	})

	t.Run("blocked member -> 403", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(3))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown title -> 404", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 404}, asMember(2))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAPICooldownCarriesRetryAfter(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 1)
	addMember(t, repo, 1, StandingActive)
	until := time.Now().Add(10 * time.Minute)
	_, err := repo.DB.Exec(`UPDATE members SET cooldown_until_unix=? WHERE id=1`, until.Unix())
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(1))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var e struct {
		Error             string `json:"error"`
		RetryAfterSeconds int64  `json:"retry_after_seconds"`
		Message           string `json:"message"`
	}
	decode(t, w, &e)
	assert.Equal(t, "cooldown_active", e.Error)
	assert.InDelta(t, 600, e.RetryAfterSeconds, 5)
	assert.Contains(t, e.Message, "retry")
}

func TestAPIAdminFlow(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 1)
	addMember(t, repo, 1, StandingActive)

	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(1))
	require.Equal(t, http.StatusCreated, w.Code)
	var created reservationDTO
	decode(t, w, &created)
	base := "/api/reservations/" + strconv.FormatInt(created.ID, 10)

	t.Run("admin header required", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, base+"/approve", nil, asMember(1))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("approve", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, base+"/approve", nil, asAdmin)
		require.Equal(t, http.StatusOK, w.Code)
		var dto reservationDTO
		decode(t, w, &dto)
		assert.Equal(t, "APPROVED", dto.Status)
		assert.NotEmpty(t, dto.DueDate)
	})

	t.Run("invalid transition -> 409", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, base+"/decline", nil, asAdmin)
		assert.Equal(t, http.StatusConflict, w.Code)
		var e map[string]string
		decode(t, w, &e)
		assert.Equal(t, "invalid_transition", e["error"])
	})

	t.Run("return", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, base+"/return", nil, asAdmin)
		require.Equal(t, http.StatusOK, w.Code)
		var dto reservationDTO
		decode(t, w, &dto)
		assert.Equal(t, "COMPLETED", dto.Status)
		assert.NotEmpty(t, dto.ReturnedAt)
	})

	t.Run("unknown id -> 404", func(t *testing.T) {
		w := doJSON(t, h, http.MethodPost, "/api/reservations/9999/approve", nil, asAdmin)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAPICancel(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 1)
	addMember(t, repo, 1, StandingActive)
	addMember(t, repo, 2, StandingActive)

	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(1))
	require.Equal(t, http.StatusCreated, w.Code)
	var created reservationDTO
	decode(t, w, &created)
	path := "/api/reservations/" + strconv.FormatInt(created.ID, 10)

	w = doJSON(t, h, http.MethodDelete, path, nil, asMember(2))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, h, http.MethodDelete, path, nil, asMember(1))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodDelete, path, nil, asMember(1))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIListWithCooldownSummary(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 2)
	addMember(t, repo, 1, StandingActive)

	w := doJSON(t, h, http.MethodPost, "/api/reservations", map[string]int64{"title_id": 1}, asMember(1))
	require.Equal(t, http.StatusCreated, w.Code)
	_, err := repo.DB.Exec(`UPDATE members SET cooldown_until_unix=? WHERE id=1`,
		time.Now().Add(5*time.Minute).Unix())
	require.NoError(t, err)

	w = doJSON(t, h, http.MethodGet, "/api/reservations", nil, asMember(1))
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Reservations []reservationDTO `json:"reservations"`
		Cooldown     *cooldownDTO     `json:"cooldown"`
	}
	decode(t, w, &out)
	assert.Len(t, out.Reservations, 1)
	require.NotNil(t, out.Cooldown)
	assert.Positive(t, out.Cooldown.RetryAfterSeconds)
}

func TestAPITitles(t *testing.T) {
	h, repo, _ := newTestServer(t)
	addTitle(t, repo, 1, 2)

	w := doJSON(t, h, http.MethodGet, "/api/titles/1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dto titleDTO
	decode(t, w, &dto)
	assert.Equal(t, int32(2), dto.Available)
	assert.Equal(t, "AVAILABLE", dto.DisplayStatus)

	w = doJSON(t, h, http.MethodGet, "/api/titles/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIJobs(t *testing.T) {
	h, repo, eng := newTestServer(t)
	addTitle(t, repo, 1, 1)
	addMember(t, repo, 1, StandingActive)

	rv, err := eng.Create(context.Background(), 1, 1)
	require.NoError(t, err)
	forceExpire(t, repo, rv.ID)

	w := doJSON(t, h, http.MethodPost, "/api/jobs/sweep", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sweep map[string]int
	decode(t, w, &sweep)
	assert.Equal(t, 1, sweep["processed"])

	w = doJSON(t, h, http.MethodPost, "/api/jobs/reconcile", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec map[string]int
	decode(t, w, &rec)
	assert.Equal(t, 0, rec["corrected"])
}
