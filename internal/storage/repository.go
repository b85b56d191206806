package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"ricorrenti/internal/core"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist or belongs to a
	// different user. Callers cannot tell the two cases apart on purpose.
	ErrNotFound = errors.New("not found")

	// ErrStaleDefinition is returned by ApplyMaterialization when the
	// definition's last_created_date no longer matches the value the engine
	// computed against, meaning a concurrent cycle already advanced it.
	ErrStaleDefinition = errors.New("recurring expense definition is stale")
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CreateRecurringExpense inserts a new definition and returns it with its
// assigned ID. An empty frequency defaults to monthly.
func (r *SQLiteRepository) CreateRecurringExpense(ctx context.Context, re core.RecurringExpense) (core.RecurringExpense, error) {
	if re.Frequency == "" {
		re.Frequency = core.Monthly
	}
	if err := re.Validate(); err != nil {
		return core.RecurringExpense{}, fmt.Errorf("validate recurring expense: %w", err)
	}
	re.ID = uuid.NewString()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recurring_expenses
			(id, user_id, category_id, type_id, description, amount_cents,
			 frequency, start_date, last_created_date, is_active, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		re.ID, re.UserID, re.CategoryID, re.TypeID, re.Description,
		re.Amount.Cents, string(re.Frequency), re.StartDate.String(),
		re.IsActive, nullable(re.Note))
	if err != nil {
		return core.RecurringExpense{}, fmt.Errorf("insert recurring expense: %w", err)
	}

	slog.InfoContext(ctx, "Recurring expense created",
		"id", re.ID,
		"user_id", re.UserID,
		"description", re.Description,
		"frequency", string(re.Frequency),
		"start_date", re.StartDate.String())

	return re, nil
}

// GetRecurringExpense loads one definition scoped to its owner.
func (r *SQLiteRepository) GetRecurringExpense(ctx context.Context, userID, id string) (*core.RecurringExpense, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, category_id, type_id, description, amount_cents,
		       frequency, start_date, last_created_date, is_active, note
		FROM recurring_expenses
		WHERE id = ? AND user_id = ?`, id, userID)

	re, err := scanRecurringExpense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recurring expense: %w", err)
	}
	return re, nil
}

// ListRecurringExpenses returns all of a user's definitions, oldest first.
func (r *SQLiteRepository) ListRecurringExpenses(ctx context.Context, userID string) ([]core.RecurringExpense, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, category_id, type_id, description, amount_cents,
		       frequency, start_date, last_created_date, is_active, note
		FROM recurring_expenses
		WHERE user_id = ?
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recurring expenses: %w", err)
	}
	defer rows.Close()
	return collectRecurringExpenses(rows)
}

// ListActiveRecurringExpenses returns only the definitions the engine should
// consider for a user.
func (r *SQLiteRepository) ListActiveRecurringExpenses(ctx context.Context, userID string) ([]core.RecurringExpense, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, category_id, type_id, description, amount_cents,
		       frequency, start_date, last_created_date, is_active, note
		FROM recurring_expenses
		WHERE user_id = ? AND is_active = 1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list active recurring expenses: %w", err)
	}
	defer rows.Close()
	return collectRecurringExpenses(rows)
}

// ListUsersWithActiveDefinitions returns the distinct owners that have at
// least one active definition, for the periodic worker to fan out over.
func (r *SQLiteRepository) ListUsersWithActiveDefinitions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM recurring_expenses
		WHERE is_active = 1
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users with active definitions: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateRecurringExpense rewrites the editable fields of a definition.
// last_created_date is deliberately untouched: editing a template must not
// re-trigger past occurrences.
func (r *SQLiteRepository) UpdateRecurringExpense(ctx context.Context, userID, id string, re core.RecurringExpense) error {
	if re.Frequency == "" {
		re.Frequency = core.Monthly
	}
	re.UserID = userID
	if err := re.Validate(); err != nil {
		return fmt.Errorf("validate recurring expense: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_expenses
		SET category_id = ?, type_id = ?, description = ?, amount_cents = ?,
		    frequency = ?, start_date = ?, note = ?, updated_at = datetime('now')
		WHERE id = ? AND user_id = ?`,
		re.CategoryID, re.TypeID, re.Description, re.Amount.Cents,
		string(re.Frequency), re.StartDate.String(), nullable(re.Note),
		id, userID)
	if err != nil {
		return fmt.Errorf("update recurring expense: %w", err)
	}
	return requireOneRow(res, "update recurring expense")
}

// SetRecurringExpenseActive toggles a definition on or off. Inactive
// definitions produce no materializations until reactivated.
func (r *SQLiteRepository) SetRecurringExpenseActive(ctx context.Context, userID, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_expenses
		SET is_active = ?, updated_at = datetime('now')
		WHERE id = ? AND user_id = ?`, active, id, userID)
	if err != nil {
		return fmt.Errorf("set recurring expense active: %w", err)
	}
	return requireOneRow(res, "set recurring expense active")
}

// DeleteRecurringExpense removes a definition. Expenses already materialized
// from it survive with their recurring_id cleared.
func (r *SQLiteRepository) DeleteRecurringExpense(ctx context.Context, userID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE expenses SET recurring_id = NULL, updated_at = datetime('now')
		WHERE recurring_id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("detach materialized expenses: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM recurring_expenses WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete recurring expense: %w", err)
	}
	if err := requireOneRow(res, "delete recurring expense"); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyMaterialization persists the outcome of one definition's cycle in a
// single transaction: all expense rows are inserted and last_created_date is
// advanced, guarded by the value the engine computed against. A concurrent
// run that already advanced the bookkeeping makes the guard match zero rows;
// the transaction rolls back and ErrStaleDefinition is returned, so retries
// are naturally idempotent.
func (r *SQLiteRepository) ApplyMaterialization(ctx context.Context, def core.RecurringExpense, expenses []core.Expense, newLastCreated core.Date) ([]core.Expense, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin materialization tx: %w", err)
	}
	defer tx.Rollback()

	inserted := make([]core.Expense, len(expenses))
	for i, e := range expenses {
		e.ID = uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO expenses
				(id, user_id, category_id, type_id, description, amount_cents,
				 date, note, recurring_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.CategoryID, e.TypeID, e.Description,
			e.Amount.Cents, e.Date.String(), nullable(e.Note), e.RecurringID)
		if err != nil {
			return nil, fmt.Errorf("insert materialized expense for %s: %w", e.Date, err)
		}
		inserted[i] = e
	}

	var res sql.Result
	if def.LastCreatedDate.IsZero() {
		res, err = tx.ExecContext(ctx, `
			UPDATE recurring_expenses
			SET last_created_date = ?, updated_at = datetime('now')
			WHERE id = ? AND user_id = ? AND last_created_date IS NULL`,
			newLastCreated.String(), def.ID, def.UserID)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE recurring_expenses
			SET last_created_date = ?, updated_at = datetime('now')
			WHERE id = ? AND user_id = ? AND last_created_date = ?`,
			newLastCreated.String(), def.ID, def.UserID, def.LastCreatedDate.String())
	}
	if err != nil {
		return nil, fmt.Errorf("advance last created date: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("advance last created date: %w", err)
	}
	if n == 0 {
		return nil, ErrStaleDefinition
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit materialization tx: %w", err)
	}

	slog.InfoContext(ctx, "Materialization applied",
		"recurring_id", def.ID,
		"user_id", def.UserID,
		"expenses", len(inserted),
		"last_created_date", newLastCreated.String())

	return inserted, nil
}

// CreateExpense inserts a manual (non-recurring) expense.
func (r *SQLiteRepository) CreateExpense(ctx context.Context, e core.Expense) (core.Expense, error) {
	if err := e.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("validate expense: %w", err)
	}
	e.ID = uuid.NewString()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO expenses
			(id, user_id, category_id, type_id, description, amount_cents,
			 date, note, recurring_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		e.ID, e.UserID, e.CategoryID, e.TypeID, e.Description,
		e.Amount.Cents, e.Date.String(), nullable(e.Note))
	if err != nil {
		return core.Expense{}, fmt.Errorf("insert expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense saved",
		"id", e.ID,
		"user_id", e.UserID,
		"description", e.Description,
		"amount_cents", e.Amount.Cents,
		"date", e.Date.String())

	return e, nil
}

// GetExpense loads one expense by ID regardless of owner; used by the ledger
// worker, which operates on system-level messages.
func (r *SQLiteRepository) GetExpense(ctx context.Context, id string) (*core.Expense, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, category_id, type_id, description, amount_cents,
		       date, note, recurring_id
		FROM expenses WHERE id = ?`, id)

	e, err := scanExpense(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get expense: %w", err)
	}
	return e, nil
}

// ListExpenses returns a user's expenses within one calendar month,
// chronological.
func (r *SQLiteRepository) ListExpenses(ctx context.Context, userID string, year, month int) ([]core.Expense, error) {
	from := core.NewDate(year, month, 1)
	to := core.DateOf(from.AddDate(0, 1, 0))

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, category_id, type_id, description, amount_cents,
		       date, note, recurring_id
		FROM expenses
		WHERE user_id = ? AND date >= ? AND date < ?
		ORDER BY date, created_at`, userID, from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		expenses = append(expenses, *e)
	}
	return expenses, rows.Err()
}

// GetPendingSyncExpenses returns expenses not yet mirrored to the ledger.
func (r *SQLiteRepository) GetPendingSyncExpenses(ctx context.Context, limit int) ([]core.Expense, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, category_id, type_id, description, amount_cents,
		       date, note, recurring_id
		FROM expenses
		WHERE synced = 0 AND sync_error = 0
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending sync expenses: %w", err)
	}
	defer rows.Close()

	var expenses []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending expense: %w", err)
		}
		expenses = append(expenses, *e)
	}
	return expenses, rows.Err()
}

// MarkSynced marks an expense as successfully mirrored to the ledger.
func (r *SQLiteRepository) MarkSynced(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE expenses SET synced = 1, sync_error = 0, updated_at = datetime('now')
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark expense synced: %w", err)
	}
	return nil
}

// MarkSyncError flags an expense whose ledger append keeps failing.
func (r *SQLiteRepository) MarkSyncError(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE expenses SET sync_error = 1, updated_at = datetime('now')
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark expense sync error: %w", err)
	}
	slog.WarnContext(ctx, "Expense marked with sync error", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecurringExpense(row rowScanner) (*core.RecurringExpense, error) {
	var (
		re          core.RecurringExpense
		frequency   string
		startDate   string
		lastCreated sql.NullString
		note        sql.NullString
	)
	if err := row.Scan(&re.ID, &re.UserID, &re.CategoryID, &re.TypeID,
		&re.Description, &re.Amount.Cents, &frequency, &startDate,
		&lastCreated, &re.IsActive, &note); err != nil {
		return nil, err
	}

	re.Frequency = core.Frequency(frequency)
	re.Note = note.String

	var err error
	if re.StartDate, err = core.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("parse start date: %w", err)
	}
	if lastCreated.Valid {
		if re.LastCreatedDate, err = core.ParseDate(lastCreated.String); err != nil {
			return nil, fmt.Errorf("parse last created date: %w", err)
		}
	}
	return &re, nil
}

func collectRecurringExpenses(rows *sql.Rows) ([]core.RecurringExpense, error) {
	var defs []core.RecurringExpense
	for rows.Next() {
		re, err := scanRecurringExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring expense: %w", err)
		}
		defs = append(defs, *re)
	}
	return defs, rows.Err()
}

func scanExpense(row rowScanner) (*core.Expense, error) {
	var (
		e           core.Expense
		date        string
		note        sql.NullString
		recurringID sql.NullString
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.CategoryID, &e.TypeID,
		&e.Description, &e.Amount.Cents, &date, &note, &recurringID); err != nil {
		return nil, err
	}

	e.Note = note.String
	e.RecurringID = recurringID.String

	var err error
	if e.Date, err = core.ParseDate(date); err != nil {
		return nil, fmt.Errorf("parse expense date: %w", err)
	}
	return &e, nil
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
