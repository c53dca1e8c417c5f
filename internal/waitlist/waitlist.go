// Package waitlist records users who want early access. Every operation
// logs and swallows store errors so chat handlers only deal with booleans.
package waitlist

import (
	"context"
	"errors"
	"log/slog"

	"omnimap/internal/domain"
	"omnimap/internal/metrics"
)

type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type JoinResult struct {
	OK      bool
	Already bool
}

type Service struct {
	store  domain.WaitlistStore
	logger *slog.Logger
}

func New(store domain.WaitlistStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

func (s *Service) IsMember(ctx context.Context, userID int64) bool {
	_, err := s.store.GetWaitlistEntry(ctx, userID)
	if err == nil {
		return true
	}
	if !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error("waitlist lookup failed", "user", userID, "err", err)
	}
	return false
}

// Join adds u unless already present. source records where the join came
// from (e.g. "telegram_command").
func (s *Service) Join(ctx context.Context, u User, source string) JoinResult {
	if s.IsMember(ctx, u.ID) {
		return JoinResult{OK: true, Already: true}
	}
	inserted, err := s.store.InsertWaitlistEntry(ctx, domain.WaitlistEntry{
		UserID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Source:    source,
	})
	if err != nil {
		s.logger.Error("waitlist join failed", "user", u.ID, "err", err)
		return JoinResult{}
	}
	if !inserted {
		// lost a race with a concurrent join for the same user
		return JoinResult{OK: true, Already: true}
	}
	metrics.WaitlistJoins.Inc()
	s.logger.Info("user joined waitlist", "user", u.ID, "source", source)
	return JoinResult{OK: true}
}

// Count returns 0 when the store is unavailable.
func (s *Service) Count(ctx context.Context) int {
	n, err := s.store.CountWaitlist(ctx)
	if err != nil {
		s.logger.Error("waitlist count failed", "err", err)
		return 0
	}
	return n
}

func (s *Service) SetEmail(ctx context.Context, userID int64, email string) bool {
	if err := s.store.UpdateWaitlistEmail(ctx, userID, email); err != nil {
		s.logger.Error("waitlist set email failed", "user", userID, "err", err)
		return false
	}
	return true
}

func (s *Service) SetWallet(ctx context.Context, userID int64, wallet string) bool {
	if err := s.store.UpdateWaitlistWallet(ctx, userID, wallet); err != nil {
		s.logger.Error("waitlist set wallet failed", "user", userID, "err", err)
		return false
	}
	return true
}
