package domain

import (
	"context"
	"time"
)

type WaitlistEntry struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Source    string    `json:"source,omitempty"`
	Email     string    `json:"email,omitempty"`
	Wallet    string    `json:"pref_solana_wallet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type WaitlistStore interface {
	GetWaitlistEntry(ctx context.Context, userID int64) (*WaitlistEntry, error)
	// InsertWaitlistEntry reports false when the user is already listed.
	InsertWaitlistEntry(ctx context.Context, e WaitlistEntry) (bool, error)
	CountWaitlist(ctx context.Context) (int, error)
	// UpdateWaitlistEmail and UpdateWaitlistWallet return ErrNotFound for
	// users that never joined.
	UpdateWaitlistEmail(ctx context.Context, userID int64, email string) error
	UpdateWaitlistWallet(ctx context.Context, userID int64, wallet string) error
}
