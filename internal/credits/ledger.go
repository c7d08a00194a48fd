// Package credits implements the per-user credit ledger on SQLite.
package credits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

var (
	ErrInsufficient  = errors.New("credits: insufficient balance")
	ErrInvalidAmount = errors.New("credits: amount must be positive")
)

// InsufficientError reports a deduction the balance could not cover.
type InsufficientError struct {
	Required  int64
	Available int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("credits: %d required, %d available", e.Required, e.Available)
}

func (e *InsufficientError) Is(target error) bool { return target == ErrInsufficient }

// Ledger is the balance capability the metering layer consumes. Deduct is
// atomic and never takes a balance below zero.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Deduct(ctx context.Context, userID string, amount int64, reason string, metadata map[string]any) (int64, error)
}

type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db, now: time.Now}
}

// Balance returns the user's balance; unknown users have zero.
func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Deduct subtracts amount and returns the new balance.
func (l *SQLiteLedger) Deduct(ctx context.Context, userID string, amount int64, reason string, metadata map[string]any) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin deduct: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance = balance - ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ?`,
		amount, now, userID, amount)
	if err != nil {
		return 0, fmt.Errorf("deduct: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deduct: %w", err)
	}
	if n == 0 {
		var available int64
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("read balance: %w", err)
		}
		return available, &InsufficientError{Required: amount, Available: available}
	}

	balance, err := l.record(ctx, tx, userID, -amount, reason, metadata, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit deduct: %w", err)
	}
	return balance, nil
}

// Grant adds amount to the user's balance, creating the account if needed.
func (l *SQLiteLedger) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, amount, now)
	if err != nil {
		return 0, fmt.Errorf("grant: %w", err)
	}

	balance, err := l.record(ctx, tx, userID, amount, reason, nil, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit grant: %w", err)
	}
	return balance, nil
}

func (l *SQLiteLedger) record(ctx context.Context, tx *sql.Tx, userID string, delta int64, reason string, metadata map[string]any, now time.Time) (int64, error) {
	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = ?`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}

	var meta sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (user_id, delta, reason, metadata, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, delta, reason, meta, balance, now)
	if err != nil {
		return 0, fmt.Errorf("record transaction: %w", err)
	}
	return balance, nil
}

// Transactions lists the user's most recent ledger entries, newest first.
func (l *SQLiteLedger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, delta, reason, metadata, balance_after, created_at
		 FROM credit_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var (
			t    models.CreditTransaction
			meta sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.Reason, &meta, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}
