package campaign_test

import (
	"path/filepath"
	"testing"

	"telegram-fleet/internal/domain/campaign"
	"telegram-fleet/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStoreSaveGetList(t *testing.T) {
	t.Parallel()

	s := campaign.NewStore(openTestDB(t))

	a := validCampaign()
	a.ID = "a"
	a.Status = campaign.StatusQueued
	b := validCampaign()
	b.ID = "b"
	b.Status = campaign.StatusRunning
	for _, c := range []*campaign.Campaign{&a, &b} {
		if err := s.Save(c); err != nil {
			t.Fatalf("save %s: %v", c.ID, err)
		}
	}

	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != a.Name || got.Status != campaign.StatusQueued {
		t.Fatalf("loaded campaign = %#v", got)
	}

	if _, err = s.Get("missing"); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list all returned %d campaigns, want 2", len(all))
	}
	running, err := s.List(campaign.StatusRunning)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].ID != "b" {
		t.Fatalf("list running = %v, want only b", running)
	}
}

func TestStoreTransitionEnforcesStateMachine(t *testing.T) {
	t.Parallel()

	s := campaign.NewStore(openTestDB(t))
	c := validCampaign()
	c.Status = campaign.StatusQueued
	if err := s.Save(&c); err != nil {
		t.Fatalf("save: %v", err)
	}

	updated, err := s.Transition(c.ID, campaign.StatusRunning, nil)
	if err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	if updated.Status != campaign.StatusRunning {
		t.Fatalf("status = %q, want running", updated.Status)
	}

	// Недопустимый переход не трогает запись.
	if _, err = s.Transition(c.ID, campaign.StatusQueued, nil); !errors.Is(err, campaign.ErrConflictingState) {
		t.Fatalf("running -> queued err = %v, want ErrConflictingState", err)
	}
	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != campaign.StatusRunning {
		t.Fatalf("status after rejected transition = %q, want running", got.Status)
	}
}

func TestStoreAddCounters(t *testing.T) {
	t.Parallel()

	s := campaign.NewStore(openTestDB(t))
	c := validCampaign()
	if err := s.Save(&c); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.AddCounters(c.ID, 5, 2, 1); err != nil {
		t.Fatalf("add counters: %v", err)
	}
	if err := s.AddCounters(c.ID, 3, 0, 0); err != nil {
		t.Fatalf("add counters: %v", err)
	}
	// Нулевая дельта — no-op даже для несуществующей кампании.
	if err := s.AddCounters("missing", 0, 0, 0); err != nil {
		t.Fatalf("zero delta: %v", err)
	}

	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SentCount != 8 || got.FailedCount != 2 || got.BlockedCount != 1 {
		t.Fatalf("counters = %d/%d/%d, want 8/2/1", got.SentCount, got.FailedCount, got.BlockedCount)
	}
}
