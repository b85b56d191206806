package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"ricorrenti/internal/services"
	"ricorrenti/internal/storage"
)

func setupServer(t *testing.T) *Server {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	expenseService := services.NewExpenseService(repo, nil)
	processor := services.NewRecurringProcessor(repo, nil, func(err error) bool {
		return errors.Is(err, storage.ErrStaleDefinition)
	})

	srv := NewServer(":0", repo, expenseService, processor)
	t.Cleanup(func() { srv.rateLimiter.stop() })
	return srv
}

func doJSON(t *testing.T, srv *Server, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func createDefinition(t *testing.T, srv *Server, user string) recurringResponse {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/recurring", user, recurringRequest{
		CategoryID:  "cat-1",
		TypeID:      "type-1",
		Description: "Affitto",
		Amount:      "800.00",
		Frequency:   "monthly",
		StartDate:   "2024-01-15",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create definition: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	return decode[recurringResponse](t, rec)
}

func TestHealthEndpoints(t *testing.T) {
	srv := setupServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doJSON(t, srv, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestMissingUserHeader(t *testing.T) {
	srv := setupServer(t)

	for _, path := range []string{"/recurring", "/expenses"} {
		rec := doJSON(t, srv, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestRecurringLifecycle(t *testing.T) {
	srv := setupServer(t)

	created := createDefinition(t, srv, "user-1")
	if created.ID == "" || created.AmountCents != 80000 || !created.IsActive {
		t.Fatalf("unexpected created definition: %+v", created)
	}
	if created.LastCreatedDate != "" {
		t.Fatalf("expected empty last created date, got %q", created.LastCreatedDate)
	}

	// Get by id
	rec := doJSON(t, srv, http.MethodGet, "/recurring?id="+created.ID, "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	// Other users cannot see it
	rec = doJSON(t, srv, http.MethodGet, "/recurring?id="+created.ID, "user-2", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get: expected 404, got %d", rec.Code)
	}

	// Update
	rec = doJSON(t, srv, http.MethodPut, "/recurring?id="+created.ID, "user-1", recurringRequest{
		CategoryID:  "cat-1",
		TypeID:      "type-1",
		Description: "Affitto nuovo",
		Amount:      "850.00",
		Frequency:   "monthly",
		StartDate:   "2024-01-15",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	updated := decode[recurringResponse](t, rec)
	if updated.Description != "Affitto nuovo" || updated.AmountCents != 85000 {
		t.Fatalf("update not applied: %+v", updated)
	}

	// Toggle off
	rec = doJSON(t, srv, http.MethodPost, "/recurring/toggle?id="+created.ID, "user-1", toggleRequest{IsActive: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: expected 200, got %d", rec.Code)
	}
	if toggled := decode[recurringResponse](t, rec); toggled.IsActive {
		t.Fatalf("expected inactive after toggle: %+v", toggled)
	}

	// List
	rec = doJSON(t, srv, http.MethodGet, "/recurring", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if defs := decode[[]recurringResponse](t, rec); len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}

	// Delete
	rec = doJSON(t, srv, http.MethodDelete, "/recurring?id="+created.ID, "user-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/recurring?id="+created.ID, "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestCreateRecurringRejectsBadPayload(t *testing.T) {
	srv := setupServer(t)

	cases := []struct {
		name string
		req  recurringRequest
	}{
		{"zero amount", recurringRequest{CategoryID: "c", TypeID: "t", Description: "x", Amount: "0", StartDate: "2024-01-15"}},
		{"bad amount", recurringRequest{CategoryID: "c", TypeID: "t", Description: "x", Amount: "abc", StartDate: "2024-01-15"}},
		{"bad date", recurringRequest{CategoryID: "c", TypeID: "t", Description: "x", Amount: "10", StartDate: "15/01/2024"}},
		{"empty description", recurringRequest{CategoryID: "c", TypeID: "t", Description: " ", Amount: "10", StartDate: "2024-01-15"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/recurring", "user-1", tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRunRecurringCycle(t *testing.T) {
	srv := setupServer(t)
	created := createDefinition(t, srv, "user-1")

	rec := doJSON(t, srv, http.MethodPost, "/recurring/run?reference_date=2024-03-20", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	report := decode[runResponse](t, rec)
	if report.ExpensesCreated != 3 {
		t.Fatalf("expected 3 expenses created, got %d", report.ExpensesCreated)
	}
	if len(report.Applied) != 1 || report.Applied[0].RecurringID != created.ID {
		t.Fatalf("unexpected applied list: %+v", report.Applied)
	}
	wantDates := []string{"2024-01-15", "2024-02-15", "2024-03-15"}
	for i, d := range report.Applied[0].Dates {
		if d != wantDates[i] {
			t.Fatalf("date %d: expected %s, got %s", i, wantDates[i], d)
		}
	}
	if report.Applied[0].NewLastCreated != "2024-03-15" {
		t.Fatalf("expected new last created 2024-03-15, got %s", report.Applied[0].NewLastCreated)
	}

	// Re-running at the same reference date creates nothing
	rec = doJSON(t, srv, http.MethodPost, "/recurring/run?reference_date=2024-03-20", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rerun: expected 200, got %d", rec.Code)
	}
	if rerun := decode[runResponse](t, rec); rerun.ExpensesCreated != 0 {
		t.Fatalf("rerun must be a no-op, created %d", rerun.ExpensesCreated)
	}

	// The materialized expenses are visible in the month listing
	rec = doJSON(t, srv, http.MethodGet, "/expenses?year=2024&month=2", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list expenses: expected 200, got %d", rec.Code)
	}
	expenses := decode[[]expenseResponse](t, rec)
	if len(expenses) != 1 || expenses[0].Date != "2024-02-15" || expenses[0].RecurringID != created.ID {
		t.Fatalf("unexpected february expenses: %+v", expenses)
	}
}

func TestRunRecurringRejectsBadReferenceDate(t *testing.T) {
	srv := setupServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/recurring/run?reference_date=someday", "user-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestManualExpenseEndpoints(t *testing.T) {
	srv := setupServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/expenses", "user-1", expenseRequest{
		CategoryID:  "cat-1",
		TypeID:      "type-1",
		Description: "Cena",
		Amount:      "32.50",
		Date:        "2024-03-08",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	created := decode[expenseResponse](t, rec)
	if created.AmountCents != 3250 || created.Date != "2024-03-08" || created.RecurringID != "" {
		t.Fatalf("unexpected expense: %+v", created)
	}

	rec = doJSON(t, srv, http.MethodGet, "/expenses?year=2024&month=3", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if expenses := decode[[]expenseResponse](t, rec); len(expenses) != 1 {
		t.Fatalf("expected 1 expense, got %d", len(expenses))
	}

	// Bad month parameter
	rec = doJSON(t, srv, http.MethodGet, "/expenses?year=2024&month=13", "user-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad month, got %d", rec.Code)
	}
}
