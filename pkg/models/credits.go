package models

import "time"

// Balance is a user's current credit balance
type Balance struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// CreditTransaction records one change to a user's balance
type CreditTransaction struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"userId"`
	Delta        int64          `json:"delta"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	BalanceAfter int64          `json:"balanceAfter"`
	CreatedAt    time.Time      `json:"createdAt"`
}
