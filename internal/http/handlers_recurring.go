package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ricorrenti/internal/core"
)

type recurringRequest struct {
	CategoryID  string `json:"category_id"`
	TypeID      string `json:"type_id"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Frequency   string `json:"frequency"`
	StartDate   string `json:"start_date"`
	IsActive    *bool  `json:"is_active"`
	Note        string `json:"note"`
}

// toDomain builds a definition from the request payload. The amount is a
// decimal string ("12.50"); dates are YYYY-MM-DD.
func (req recurringRequest) toDomain(userID string) (core.RecurringExpense, error) {
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		return core.RecurringExpense{}, fmt.Errorf("%w: %v", core.ErrInvalidAmount, err)
	}

	start, err := core.ParseDate(req.StartDate)
	if err != nil {
		return core.RecurringExpense{}, fmt.Errorf("%w: start_date %q", core.ErrInvalidDate, req.StartDate)
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	return core.RecurringExpense{
		UserID:      userID,
		CategoryID:  req.CategoryID,
		TypeID:      req.TypeID,
		Description: req.Description,
		Amount:      core.Money{Cents: cents},
		Frequency:   core.Frequency(req.Frequency),
		StartDate:   start,
		IsActive:    active,
		Note:        req.Note,
	}, nil
}

type recurringResponse struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	CategoryID      string `json:"category_id"`
	TypeID          string `json:"type_id"`
	Description     string `json:"description"`
	AmountCents     int64  `json:"amount_cents"`
	Frequency       string `json:"frequency"`
	StartDate       string `json:"start_date"`
	LastCreatedDate string `json:"last_created_date,omitempty"`
	IsActive        bool   `json:"is_active"`
	Note            string `json:"note,omitempty"`
}

func toRecurringResponse(re core.RecurringExpense) recurringResponse {
	resp := recurringResponse{
		ID:          re.ID,
		UserID:      re.UserID,
		CategoryID:  re.CategoryID,
		TypeID:      re.TypeID,
		Description: re.Description,
		AmountCents: re.Amount.Cents,
		Frequency:   string(re.Frequency),
		StartDate:   re.StartDate.String(),
		IsActive:    re.IsActive,
		Note:        re.Note,
	}
	if !re.LastCreatedDate.IsZero() {
		resp.LastCreatedDate = re.LastCreatedDate.String()
	}
	return resp
}

func (s *Server) handleRecurring(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.createRecurring(w, r, uid)
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			s.getRecurring(w, r, uid, id)
			return
		}
		s.listRecurring(w, r, uid)
	case http.MethodPut:
		s.updateRecurring(w, r, uid)
	case http.MethodDelete:
		s.deleteRecurring(w, r, uid)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request, uid string) {
	var req recurringRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	re, err := req.toDomain(uid)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.store.CreateRecurringExpense(r.Context(), re)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to create recurring expense", "error", err)
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRecurringResponse(created))
}

func (s *Server) getRecurring(w http.ResponseWriter, r *http.Request, uid, id string) {
	re, err := s.store.GetRecurringExpense(r.Context(), uid, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurringResponse(*re))
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request, uid string) {
	defs, err := s.store.ListRecurringExpenses(r.Context(), uid)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list recurring expenses", "error", err)
		writeStoreError(w, err)
		return
	}

	out := make([]recurringResponse, 0, len(defs))
	for _, re := range defs {
		out = append(out, toRecurringResponse(re))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) updateRecurring(w http.ResponseWriter, r *http.Request, uid string) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	var req recurringRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	re, err := req.toDomain(uid)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateRecurringExpense(r.Context(), uid, id, re); err != nil {
		writeStoreError(w, err)
		return
	}

	updated, err := s.store.GetRecurringExpense(r.Context(), uid, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurringResponse(*updated))
}

func (s *Server) deleteRecurring(w http.ResponseWriter, r *http.Request, uid string) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	if err := s.store.DeleteRecurringExpense(r.Context(), uid, id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type toggleRequest struct {
	IsActive bool `json:"is_active"`
}

func (s *Server) handleToggleRecurring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	var req toggleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.store.SetRecurringExpenseActive(r.Context(), uid, id, req.IsActive); err != nil {
		writeStoreError(w, err)
		return
	}

	re, err := s.store.GetRecurringExpense(r.Context(), uid, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecurringResponse(*re))
}

type runResponse struct {
	UserID          string          `json:"user_id"`
	ReferenceDate   string          `json:"reference_date"`
	ExpensesCreated int             `json:"expenses_created"`
	Applied         []appliedResult `json:"applied"`
	Failures        []failureResult `json:"failures"`
}

type appliedResult struct {
	RecurringID    string   `json:"recurring_id"`
	Description    string   `json:"description"`
	Dates          []string `json:"dates"`
	NewLastCreated string   `json:"new_last_created_date"`
}

type failureResult struct {
	RecurringID string `json:"recurring_id"`
	Error       string `json:"error"`
}

// handleRunRecurring triggers a due cycle for the caller's definitions.
// reference_date overrides "today" and is mainly useful for testing and
// backfills.
func (s *Server) handleRunRecurring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	referenceDate := core.DateOf(time.Now())
	if v := r.URL.Query().Get("reference_date"); v != "" {
		parsed, err := core.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid reference_date, expected YYYY-MM-DD")
			return
		}
		referenceDate = parsed
	}

	report, err := s.processor.ProcessUser(r.Context(), uid, referenceDate)
	if err != nil {
		slog.ErrorContext(r.Context(), "Due cycle failed", "user_id", uid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := runResponse{
		UserID:        uid,
		ReferenceDate: referenceDate.String(),
		Applied:       make([]appliedResult, 0, len(report.Applied)),
		Failures:      make([]failureResult, 0, len(report.Failures)),
	}
	for _, a := range report.Applied {
		dates := make([]string, 0, len(a.Expenses))
		for _, e := range a.Expenses {
			dates = append(dates, e.Date.String())
		}
		resp.ExpensesCreated += len(a.Expenses)
		resp.Applied = append(resp.Applied, appliedResult{
			RecurringID:    a.Definition.ID,
			Description:    a.Definition.Description,
			Dates:          dates,
			NewLastCreated: a.NewLastCreated.String(),
		})
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, failureResult{
			RecurringID: f.Definition.ID,
			Error:       f.Err.Error(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
