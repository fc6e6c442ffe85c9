package message_test

import (
	"path/filepath"
	"testing"
	"time"

	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/storage"
)

var storeStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, clk clock.Clock) *message.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return message.NewStore(db, clk)
}

func TestInsertClaimsTargetOnce(t *testing.T) {
	t.Parallel()

	s := newStore(t, clock.NewManual(storeStart))

	if err := s.Insert("camp", 100, "acc-1"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert("camp", 100, "acc-2"); err != message.ErrDuplicate {
		t.Fatalf("second insert err = %v, want ErrDuplicate", err)
	}

	// Захват принадлежит первому аккаунту.
	rec, err := s.Get("camp", 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AccountID != "acc-1" || rec.Status != message.StatusPending {
		t.Fatalf("record = %#v, want pending claim by acc-1", rec)
	}

	// Тот же получатель в другой кампании — отдельная строка.
	if err = s.Insert("other", 100, "acc-2"); err != nil {
		t.Fatalf("insert in other campaign: %v", err)
	}
}

func TestMarkSent(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(storeStart)
	s := newStore(t, clk)

	if err := s.Insert("camp", 100, "acc"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clk.Advance(5 * time.Second)
	if err := s.MarkSent("camp", 100, "Привет, Иван!"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	rec, err := s.Get("camp", 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != message.StatusSent || rec.MessageText != "Привет, Иван!" {
		t.Fatalf("record = %#v, want sent with text", rec)
	}
	if rec.SentAt == nil || !rec.SentAt.Equal(clk.Now()) {
		t.Fatalf("sent_at = %v, want %v", rec.SentAt, clk.Now())
	}
}

func TestMarkStatusAndTerminal(t *testing.T) {
	t.Parallel()

	s := newStore(t, clock.NewManual(storeStart))
	if err := s.Insert("camp", 100, "acc"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.MarkStatus("camp", 100, message.StatusBlocked, "USER_IS_BLOCKED"); err != nil {
		t.Fatalf("mark status: %v", err)
	}

	rec, err := s.Get("camp", 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != message.StatusBlocked || rec.Error != "USER_IS_BLOCKED" {
		t.Fatalf("record = %#v, want blocked with error text", rec)
	}
	if !rec.Status.Terminal() {
		t.Fatalf("status %q must be terminal", rec.Status)
	}

	if err = s.MarkStatus("camp", 999, message.StatusFailed, "x"); err != message.ErrNotFound {
		t.Fatalf("mark missing err = %v, want ErrNotFound", err)
	}
}

func TestDeleteReleasesClaim(t *testing.T) {
	t.Parallel()

	s := newStore(t, clock.NewManual(storeStart))
	if err := s.Insert("camp", 100, "acc"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Delete("camp", 100); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// После снятия захвата повторный Insert проходит.
	if err := s.Insert("camp", 100, "acc"); err != nil {
		t.Fatalf("re-insert after delete: %v", err)
	}
}

func TestCampaignAggregates(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(storeStart)
	s := newStore(t, clk)

	for i, target := range []int64{1, 2, 3, 4} {
		if err := s.Insert("camp", target, "acc"); err != nil {
			t.Fatalf("insert %d: %v", target, err)
		}
		clk.Advance(time.Duration(i+1) * time.Minute)
	}
	if err := s.MarkSent("camp", 1, "a"); err != nil {
		t.Fatalf("mark sent 1: %v", err)
	}
	clk.Advance(time.Minute)
	if err := s.MarkSent("camp", 2, "b"); err != nil {
		t.Fatalf("mark sent 2: %v", err)
	}
	if err := s.MarkStatus("camp", 3, message.StatusFailed, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := s.Insert("noise", 1, "acc"); err != nil {
		t.Fatalf("insert noise: %v", err)
	}

	records, err := s.ListByCampaign("camp")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("list returned %d records, want 4", len(records))
	}

	counts, err := s.CountByStatus("camp")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	want := map[message.Status]int{
		message.StatusSent:    2,
		message.StatusFailed:  1,
		message.StatusPending: 1,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Fatalf("counts[%q] = %d, want %d (all: %v)", status, counts[status], n, counts)
		}
	}

	last, err := s.LastSentAt("camp")
	if err != nil {
		t.Fatalf("last sent: %v", err)
	}
	if !last.Equal(clk.Now()) {
		t.Fatalf("last sent at %v, want %v", last, clk.Now())
	}
}
