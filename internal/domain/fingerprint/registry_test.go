package fingerprint_test

import (
	"path/filepath"
	"testing"
	"time"

	"telegram-fleet/internal/domain/fingerprint"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/randx"
	"telegram-fleet/internal/infra/storage"

	"go.etcd.io/bbolt"
)

var regStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetOrCreateStable(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg, err := fingerprint.NewRegistry(db, clock.NewManual(regStart), randx.Seeded(1))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	fp, err := reg.GetOrCreate("acc", fingerprint.ClientAndroid)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if fp.ClientType != fingerprint.ClientAndroid {
		t.Fatalf("client type = %q, want android", fp.ClientType)
	}
	if fp.DeviceModel == "" || fp.AppVersion == "" || fp.LangCode == "" {
		t.Fatalf("incomplete fingerprint: %#v", fp)
	}

	again, err := reg.GetOrCreate("acc", "")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again != fp {
		t.Fatalf("repeated lookup changed fingerprint:\n%#v\n%#v", fp, again)
	}
}

func TestRotateKeepsIdentityFields(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	clk := clock.NewManual(regStart)
	reg, err := fingerprint.NewRegistry(db, clk, randx.Seeded(2))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	old, err := reg.GetOrCreate("acc", fingerprint.ClientIOS)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clk.Advance(48 * time.Hour)
	fresh, err := reg.Rotate("acc")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if fresh.RotationCount != old.RotationCount+1 {
		t.Fatalf("rotation count = %d, want %d", fresh.RotationCount, old.RotationCount+1)
	}
	if !fresh.CreatedAt.Equal(old.CreatedAt) {
		t.Fatalf("created_at changed on rotation: %v -> %v", old.CreatedAt, fresh.CreatedAt)
	}
	if !fresh.LastRotatedAt.Equal(clk.Now()) {
		t.Fatalf("last_rotated_at = %v, want %v", fresh.LastRotatedAt, clk.Now())
	}
	if fresh.ClientType != old.ClientType {
		t.Fatalf("plain rotate changed client type: %q -> %q", old.ClientType, fresh.ClientType)
	}
	if fresh.LangCode != old.LangCode || fresh.TimezoneOffset != old.TimezoneOffset {
		t.Fatal("plain rotate must keep language and timezone")
	}
}

func TestCycleTypeOrder(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg, err := fingerprint.NewRegistry(db, clock.NewManual(regStart), randx.Seeded(3))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err = reg.GetOrCreate("acc", fingerprint.ClientAndroid); err != nil {
		t.Fatalf("create: %v", err)
	}

	want := []fingerprint.ClientType{
		fingerprint.ClientIOS,
		fingerprint.ClientDesktop,
		fingerprint.ClientAndroid,
	}
	for _, expected := range want {
		fp, errCycle := reg.CycleType("acc")
		if errCycle != nil {
			t.Fatalf("cycle: %v", errCycle)
		}
		if fp.ClientType != expected {
			t.Fatalf("cycle gave %q, want %q", fp.ClientType, expected)
		}
	}
}

func TestSmartRotate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		level       risk.Level
		wantRotated bool
	}{
		{"safeKeeps", risk.LevelSafe, false},
		{"lowKeeps", risk.LevelLow, false},
		{"moderateRotates", risk.LevelModerate, true},
		{"highCycles", risk.LevelHigh, true},
		{"criticalCycles", risk.LevelCritical, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db := openTestDB(t)
			reg, err := fingerprint.NewRegistry(db, clock.NewManual(regStart), randx.Seeded(4))
			if err != nil {
				t.Fatalf("new registry: %v", err)
			}
			old, err := reg.GetOrCreate("acc", fingerprint.ClientAndroid)
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			fp, rotated, err := reg.SmartRotate("acc", tc.level)
			if err != nil {
				t.Fatalf("smart rotate: %v", err)
			}
			if rotated != tc.wantRotated {
				t.Fatalf("rotated = %v, want %v", rotated, tc.wantRotated)
			}
			if !rotated && fp.RotationCount != old.RotationCount {
				t.Fatalf("no-op rotation still bumped counter: %#v", fp)
			}
		})
	}
}

func TestSweepStaleAndPersistence(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	clk := clock.NewManual(regStart)
	reg, err := fingerprint.NewRegistry(db, clk, randx.Seeded(5),
		fingerprint.WithRotationInterval(24*time.Hour))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if _, err = reg.GetOrCreate("fresh", ""); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, err = reg.GetOrCreate("stale", ""); err != nil {
		t.Fatalf("create stale: %v", err)
	}

	clk.Advance(25 * time.Hour)
	if _, err = reg.GetOrCreate("justborn", ""); err != nil {
		t.Fatalf("create justborn: %v", err)
	}

	if rotated := reg.SweepStale(); rotated != 2 {
		t.Fatalf("sweep rotated %d fingerprints, want 2", rotated)
	}

	// Реестр, открытый поверх той же базы, обязан видеть результат ротации.
	reopened, err := fingerprint.NewRegistry(db, clk, randx.Seeded(6))
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}
	fp, ok := reopened.Get("stale")
	if !ok {
		t.Fatal("stale account lost after reopen")
	}
	if fp.RotationCount != 1 {
		t.Fatalf("persisted rotation count = %d, want 1", fp.RotationCount)
	}
}

func TestOnRotateHook(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg, err := fingerprint.NewRegistry(db, clock.NewManual(regStart), randx.Seeded(7))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err = reg.GetOrCreate("acc", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	var fired []string
	reg.OnRotate(func(fp fingerprint.Fingerprint) {
		fired = append(fired, fp.AccountID)
	})

	if _, err = reg.Rotate("acc"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(fired) != 1 || fired[0] != "acc" {
		t.Fatalf("hook calls = %v, want [acc]", fired)
	}
}
