package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Server expone el motor por HTTP/JSON. La identidad llega resuelta por el
// colaborador de acceso: X-Member-ID para el socio, X-Admin para operaciones
// de administración; aquí se confía en esa resolución, no se re-autentica.
type Server struct {
	engine *Engine
	repo   *Repository
	sweep  *Sweeper
	recon  *Reconciler
	cache  *TitleCache
	cfg    Config
}

func NewServer(engine *Engine, repo *Repository, sweep *Sweeper, recon *Reconciler, cache *TitleCache, cfg Config) *Server {
	return &Server{engine: engine, repo: repo, sweep: sweep, recon: recon, cache: cache, cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/reservations", s.handleCreate)
	mux.HandleFunc("GET /api/reservations", s.handleList)
	mux.HandleFunc("GET /api/reservations/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/reservations/{id}", s.handleCancel)

	mux.HandleFunc("POST /api/reservations/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/reservations/{id}/decline", s.handleDecline)
	mux.HandleFunc("POST /api/reservations/{id}/return", s.handleReturn)
	mux.HandleFunc("POST /api/reservations/{id}/lost", s.handleLost)

	mux.HandleFunc("GET /api/titles", s.handleTitles)
	mux.HandleFunc("GET /api/titles/{id}", s.handleTitle)

	mux.HandleFunc("POST /api/jobs/sweep", s.handleSweep)
	mux.HandleFunc("POST /api/jobs/reconcile", s.handleReconcile)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// --- identidad (resuelta aguas arriba, ver §colaborador de acceso) ---

func memberID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-Member-ID"), 10, 64)
	return id, err == nil && id > 0
}

func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-Admin") == "true"
}

func (s *Server) reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
}

// --- DTOs ---

type reservationDTO struct {
	ID         int64  `json:"id"`
	TitleID    int64  `json:"title_id"`
	MemberID   int64  `json:"member_id"`
	Status     string `json:"status"`
	ReservedAt string `json:"reserved_at"`
	ExpiresAt  string `json:"expires_at"`
	DueDate    string `json:"due_date,omitempty"`
	ApprovedAt string `json:"approved_at,omitempty"`
	ReturnedAt string `json:"returned_at,omitempty"`
	Reason     string `json:"cancelled_reason,omitempty"`
}

func toDTO(rv *Reservation) reservationDTO {
	ts := func(u int64) string {
		if u == 0 {
			return ""
		}
		return time.Unix(u, 0).UTC().Format(time.RFC3339)
	}
	return reservationDTO{
		ID:         rv.ID,
		TitleID:    rv.TitleID,
		MemberID:   rv.MemberID,
		Status:     StatusName(rv.Status),
		ReservedAt: ts(rv.ReservedUnix),
		ExpiresAt:  ts(rv.ExpiresUnix),
		DueDate:    ts(rv.DueUnix),
		ApprovedAt: ts(rv.ApprovedUnix),
		ReturnedAt: ts(rv.ReturnedUnix),
		Reason:     rv.CancelledReason,
	}
}

type titleDTO struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Author        string `json:"author"`
	TotalCopies   int32  `json:"total_copies"`
	Available     int32  `json:"available"`
	Reserved      int32  `json:"reserved"`
	Borrowed      int32  `json:"borrowed"`
	Lost          int32  `json:"lost"`
	DisplayStatus string `json:"display_status"`
}

func toTitleDTO(t *Title) titleDTO {
	return titleDTO{
		ID:            t.ID,
		Name:          t.Name,
		Author:        t.Author,
		TotalCopies:   t.TotalCopies,
		Available:     t.AvailableCount,
		Reserved:      t.ReservedCount,
		Borrowed:      t.BorrowedCount,
		Lost:          t.LostCount,
		DisplayStatus: t.DisplayStatus(),
	}
}

// --- handlers de socio ---

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	mid, ok := memberID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_member", "X-Member-ID header required")
		return
	}
	var body struct {
		TitleID int64 `json:"title_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TitleID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "title_id required")
		return
	}

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	rv, err := s.engine.Create(ctx, mid, body.TitleID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(rv))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	mid, ok := memberID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_member", "X-Member-ID header required")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid reservation id")
		return
	}

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	if err := s.engine.Cancel(ctx, id, mid); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	mid, ok := memberID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_member", "X-Member-ID header required")
		return
	}

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	list, m, err := s.engine.ListReservations(ctx, mid)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	out := struct {
		Reservations []reservationDTO `json:"reservations"`
		Cooldown     *cooldownDTO     `json:"cooldown,omitempty"`
	}{Reservations: make([]reservationDTO, 0, len(list))}
	for _, rv := range list {
		out.Reservations = append(out.Reservations, toDTO(rv))
	}
	if until := time.Unix(m.CooldownUntilUnix, 0); m.CooldownActive(time.Now()) {
		out.Cooldown = newCooldownDTO(until)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid reservation id")
		return
	}

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	rv, err := s.repo.GetReservation(ctx, s.repo.DB, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if rv == nil {
		writeError(w, http.StatusNotFound, "not_found", ErrNotFound.Error())
		return
	}
	mid, _ := memberID(r)
	if !isAdmin(r) && rv.MemberID != mid {
		writeError(w, http.StatusForbidden, "forbidden", ErrForbidden.Error())
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rv))
}

// --- transiciones de admin ---

func (s *Server) admin(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if !isAdmin(r) {
		writeError(w, http.StatusForbidden, "forbidden", "admin only")
		return 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid reservation id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.admin(w, r)
	if !ok {
		return
	}
	var body struct {
		DueDate string `json:"due_date"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	var due *time.Time
	if body.DueDate != "" {
		d, err := time.Parse(time.RFC3339, body.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "due_date must be RFC3339")
			return
		}
		due = &d
	}

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	rv, err := s.engine.Approve(ctx, id, due)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rv))
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, s.engine.Decline)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, s.engine.MarkReturned)
}

func (s *Server) handleLost(w http.ResponseWriter, r *http.Request) {
	s.adminTransition(w, r, s.engine.MarkLost)
}

func (s *Server) adminTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (*Reservation, error)) {
	id, ok := s.admin(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	rv, err := fn(ctx, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(rv))
}

// --- títulos (proyección de disponibilidad) ---

func (s *Server) handleTitles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	titles, err := s.repo.ListTitles(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]titleDTO, 0, len(titles))
	for _, t := range titles {
		s.cache.Put(t)
		out = append(out, toTitleDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"titles": out})
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid title id")
		return
	}

	if t, ok := s.cache.Get(id); ok {
		writeJSON(w, http.StatusOK, toTitleDTO(t))
		return
	}

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	t, err := s.repo.GetTitle(ctx, s.repo.DB, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "not_found", ErrTitleNotFound.Error())
		return
	}
	s.cache.Put(t)
	writeJSON(w, http.StatusOK, toTitleDTO(t))
}

// --- trabajos (colaborador de cron; repetir es seguro) ---

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.sweep.RunExpirySweep(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	n, err := s.recon.RunReconciliation(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"corrected": n})
}

// --- errores ---

type cooldownDTO struct {
	Until             string `json:"until"`
	RetryAfterSeconds int64  `json:"retry_after_seconds"`
	Message           string `json:"message"`
}

func newCooldownDTO(until time.Time) *cooldownDTO {
	return &cooldownDTO{
		Until:             until.UTC().Format(time.RFC3339),
		RetryAfterSeconds: int64(time.Until(until).Seconds()),
		Message:           "cooldown active, retry " + humanize.Time(until),
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var cd *CooldownActiveError
	switch {
	case errors.As(err, &cd):
		dto := newCooldownDTO(cd.Until)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "cooldown_active",
			"message":             dto.Message,
			"retry_after_seconds": dto.RetryAfterSeconds,
			"until":               dto.Until,
		})
	case errors.Is(err, ErrNoCopiesAvailable):
		writeError(w, http.StatusConflict, "no_copies_available", err.Error())
	case errors.Is(err, ErrMemberNotEligible):
		writeError(w, http.StatusForbidden, "member_not_eligible", err.Error())
	case errors.Is(err, ErrReservationLimit):
		writeError(w, http.StatusConflict, "reservation_limit_exceeded", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTitleNotFound), errors.Is(err, ErrMemberNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
