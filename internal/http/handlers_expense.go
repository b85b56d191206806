package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ricorrenti/internal/core"
)

type expenseRequest struct {
	CategoryID  string `json:"category_id"`
	TypeID      string `json:"type_id"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Note        string `json:"note"`
}

func (req expenseRequest) toDomain(userID string) (core.Expense, error) {
	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		return core.Expense{}, fmt.Errorf("%w: %v", core.ErrInvalidAmount, err)
	}

	date := core.DateOf(time.Now())
	if req.Date != "" {
		date, err = core.ParseDate(req.Date)
		if err != nil {
			return core.Expense{}, fmt.Errorf("%w: date %q", core.ErrInvalidDate, req.Date)
		}
	}

	return core.Expense{
		UserID:      userID,
		CategoryID:  req.CategoryID,
		TypeID:      req.TypeID,
		Description: req.Description,
		Amount:      core.Money{Cents: cents},
		Date:        date,
		Note:        req.Note,
	}, nil
}

type expenseResponse struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CategoryID  string `json:"category_id"`
	TypeID      string `json:"type_id"`
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Date        string `json:"date"`
	Note        string `json:"note,omitempty"`
	RecurringID string `json:"recurring_id,omitempty"`
}

func toExpenseResponse(e core.Expense) expenseResponse {
	return expenseResponse{
		ID:          e.ID,
		UserID:      e.UserID,
		CategoryID:  e.CategoryID,
		TypeID:      e.TypeID,
		Description: e.Description,
		AmountCents: e.Amount.Cents,
		Date:        e.Date.String(),
		Note:        e.Note,
		RecurringID: e.RecurringID,
	}
}

func (s *Server) handleExpenses(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.createExpense(w, r, uid)
	case http.MethodGet:
		s.listExpenses(w, r, uid)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createExpense(w http.ResponseWriter, r *http.Request, uid string) {
	var req expenseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	e, err := req.toDomain(uid)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.expenses.CreateExpense(r.Context(), e)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to create expense", "error", err)
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toExpenseResponse(saved))
}

// listExpenses returns one month of expenses. year and month default to the
// current month.
func (s *Server) listExpenses(w http.ResponseWriter, r *http.Request, uid string) {
	now := time.Now()
	year := now.Year()
	month := int(now.Month())

	if v := r.URL.Query().Get("year"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1970 || parsed > 9999 {
			writeError(w, http.StatusBadRequest, "invalid year parameter")
			return
		}
		year = parsed
	}
	if v := r.URL.Query().Get("month"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 12 {
			writeError(w, http.StatusBadRequest, "invalid month parameter")
			return
		}
		month = parsed
	}

	expenses, err := s.store.ListExpenses(r.Context(), uid, year, month)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list expenses", "error", err)
		writeStoreError(w, err)
		return
	}

	out := make([]expenseResponse, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, toExpenseResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}
