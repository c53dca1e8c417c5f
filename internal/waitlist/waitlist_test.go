package waitlist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"omnimap/internal/domain"
	"omnimap/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "waitlist.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, testLogger())
}

func TestJoin(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	u := User{ID: 11, Username: "ana", FirstName: "Ana"}

	if s.IsMember(ctx, u.ID) {
		t.Fatal("member before joining")
	}
	if got := s.Join(ctx, u, "telegram_command"); got != (JoinResult{OK: true}) {
		t.Errorf("first join = %+v", got)
	}
	if got := s.Join(ctx, u, "telegram_button"); got != (JoinResult{OK: true, Already: true}) {
		t.Errorf("second join = %+v", got)
	}
	if !s.IsMember(ctx, u.ID) {
		t.Error("not a member after joining")
	}
	if n := s.Count(ctx); n != 1 {
		t.Errorf("count = %d", n)
	}
}

func TestSetters(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	if s.SetEmail(ctx, 12, "a@b.co") {
		t.Error("SetEmail succeeded for a user who never joined")
	}
	s.Join(ctx, User{ID: 12}, "")
	if !s.SetEmail(ctx, 12, "a@b.co") || !s.SetWallet(ctx, 12, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin") {
		t.Error("setters failed for a member")
	}
}

type failingStore struct{ domain.WaitlistStore }

func (failingStore) GetWaitlistEntry(context.Context, int64) (*domain.WaitlistEntry, error) {
	return nil, errors.New("db down")
}

func (failingStore) InsertWaitlistEntry(context.Context, domain.WaitlistEntry) (bool, error) {
	return false, errors.New("db down")
}

func (failingStore) CountWaitlist(context.Context) (int, error) { return 0, errors.New("db down") }

func TestStoreFailures(t *testing.T) {
	s := New(failingStore{}, testLogger())
	ctx := context.Background()
	if got := s.Join(ctx, User{ID: 1}, ""); got.OK || got.Already {
		t.Errorf("join on failing store = %+v", got)
	}
	if s.Count(ctx) != 0 {
		t.Error("count on failing store should be 0")
	}
}
