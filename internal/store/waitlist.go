package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"omnimap/internal/domain"
)

func emptyAsNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) GetWaitlistEntry(ctx context.Context, userID int64) (*domain.WaitlistEntry, error) {
	var (
		e                             domain.WaitlistEntry
		username, first, last, source sql.NullString
		email, wallet                 sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, first_name, last_name, source, email, pref_solana_wallet, created_at
		 FROM waitlist WHERE user_id = ?`, userID,
	).Scan(&e.UserID, &username, &first, &last, &source, &email, &wallet, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get waitlist entry: %w", err)
	}
	e.Username, e.FirstName, e.LastName = username.String, first.String, last.String
	e.Source, e.Email, e.Wallet = source.String, email.String, wallet.String
	return &e, nil
}

func (s *SQLiteStore) InsertWaitlistEntry(ctx context.Context, e domain.WaitlistEntry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO waitlist (user_id, username, first_name, last_name, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		e.UserID, emptyAsNull(e.Username), emptyAsNull(e.FirstName), emptyAsNull(e.LastName),
		emptyAsNull(e.Source), e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert waitlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) CountWaitlist(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waitlist`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count waitlist: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateWaitlistEmail(ctx context.Context, userID int64, email string) error {
	return s.updateWaitlist(ctx, "email", userID, email)
}

func (s *SQLiteStore) UpdateWaitlistWallet(ctx context.Context, userID int64, wallet string) error {
	return s.updateWaitlist(ctx, "pref_solana_wallet", userID, wallet)
}

// column is one of the two fixed names above, never user input.
func (s *SQLiteStore) updateWaitlist(ctx context.Context, column string, userID int64, value string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE waitlist SET `+column+` = ? WHERE user_id = ?`, value, userID)
	if err != nil {
		return fmt.Errorf("update waitlist %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
