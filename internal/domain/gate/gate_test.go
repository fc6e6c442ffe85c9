package gate_test

import (
	"testing"
	"time"

	"telegram-fleet/internal/domain/activity"
	"telegram-fleet/internal/domain/gate"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/infra/randx"
)

// Понедельник, день: вне сна, без выходного множителя.
var gateNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

type fakeQuarantine struct {
	active  bool
	release time.Time
}

func (f fakeQuarantine) IsQuarantined(string) (bool, time.Time) { return f.active, f.release }

type fakeRisk struct{ level risk.Level }

func (f fakeRisk) LevelOf(string) risk.Level { return f.level }

type fakeActivity struct{ env *activity.Envelope }

func (f fakeActivity) Envelope(string) *activity.Envelope { return f.env }

// alwaysActive — конверт с единичным множителем во все часы: Бернулли
// всегда проходит, сна нет.
func alwaysActive() *activity.Envelope {
	env := &activity.Envelope{
		SleepStart:    0,
		SleepEnd:      0, // пустое окно сна
		WeekendFactor: 1,
	}
	for h := range env.Hourly {
		env.Hourly[h] = 1
	}
	return env
}

func neverActive() *activity.Envelope {
	return &activity.Envelope{WeekendFactor: 1}
}

func newGate(limits gate.Limits, q gate.QuarantineChecker, r gate.RiskReader, env *activity.Envelope) *gate.Gate {
	return gate.New("acc", limits, q, r, fakeActivity{env: env}, randx.Seeded(1), gate.NewAccount())
}

func TestQuarantineWinsOverEverything(t *testing.T) {
	t.Parallel()

	release := gateNow.Add(2 * time.Hour)
	g := newGate(gate.Limits{MaxPerHour: 0},
		fakeQuarantine{active: true, release: release},
		fakeRisk{level: risk.LevelSafe},
		neverActive()) // даже мёртвый конверт не важен: до него не доходит

	d := g.CanSend(gateNow)
	if d.Kind != gate.KindDeny || d.Reason != gate.ReasonQuarantined {
		t.Fatalf("decision = %+v, want deny/quarantined", d)
	}
	if !d.ReleaseAt.Equal(release) {
		t.Fatalf("release at %v, want %v", d.ReleaseAt, release)
	}
}

func TestSleepingDeniesUntilWakeUp(t *testing.T) {
	t.Parallel()

	env := alwaysActive()
	env.SleepStart = 13
	env.SleepEnd = 16
	g := newGate(gate.Limits{}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe}, env)

	d := g.CanSend(gateNow) // 14:00 внутри окна 13–16
	if d.Kind != gate.KindDeny || d.Reason != gate.ReasonSleeping {
		t.Fatalf("decision = %+v, want deny/sleeping", d)
	}
	if d.ReleaseAt.Hour() != 16 || !d.ReleaseAt.After(gateNow) {
		t.Fatalf("release at %v, want today 16:00", d.ReleaseAt)
	}
}

func TestActivityLullDelays(t *testing.T) {
	t.Parallel()

	g := newGate(gate.Limits{}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe}, neverActive())

	d := g.CanSend(gateNow)
	if d.Kind != gate.KindDelay || d.Reason != gate.ReasonActivity {
		t.Fatalf("decision = %+v, want delay/activity", d)
	}
	if d.Delay <= 0 {
		t.Fatalf("lull delay = %v, want positive", d.Delay)
	}
}

func TestHourlyLimitWaitsOutTheHour(t *testing.T) {
	t.Parallel()

	g := newGate(gate.Limits{MaxPerHour: 2}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe}, alwaysActive())

	g.RecordSent(gateNow)
	g.RecordSent(gateNow.Add(time.Minute))

	at := gateNow.Add(10 * time.Minute)
	d := g.CanSend(at)
	if d.Kind != gate.KindDelay || d.Reason != gate.ReasonHourlyLimit {
		t.Fatalf("decision = %+v, want delay/hourly limit", d)
	}
	if want := 50 * time.Minute; d.Delay != want {
		t.Fatalf("delay = %v, want %v (remainder of the hour)", d.Delay, want)
	}

	// Через час окно лимитера открывается заново.
	d = g.CanSend(gateNow.Add(61 * time.Minute))
	if d.Kind != gate.KindAllow {
		t.Fatalf("decision after window rollover = %+v, want allow", d)
	}
}

func TestAccountCapDenies(t *testing.T) {
	t.Parallel()

	g := newGate(gate.Limits{MaxPerAccount: 3}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe}, alwaysActive())
	for i := 0; i < 3; i++ {
		g.RecordSent(gateNow.Add(time.Duration(i) * time.Minute))
	}

	d := g.CanSend(gateNow.Add(5 * time.Minute))
	if d.Kind != gate.KindDeny || d.Reason != gate.ReasonAccountCap {
		t.Fatalf("decision = %+v, want deny/account capped", d)
	}
	if g.SentTotal() != 3 {
		t.Fatalf("sent total = %d, want 3", g.SentTotal())
	}
}

func TestRiskTierDelays(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		level    risk.Level
		warming  bool
		wantKind gate.Kind
		minDelay time.Duration
		maxDelay time.Duration
	}{
		{"safeNoPause", risk.LevelSafe, false, gate.KindAllow, 0, 0},
		{"lowNoPause", risk.LevelLow, false, gate.KindAllow, 0, 0},
		{"moderatePause", risk.LevelModerate, false, gate.KindAllow, 10 * time.Second, 30 * time.Second},
		{"highPause", risk.LevelHigh, false, gate.KindAllow, 30 * time.Second, 120 * time.Second},
		{"criticalRetries", risk.LevelCritical, false, gate.KindDelay, 600 * time.Second, 600 * time.Second},
		{"warmingFloor", risk.LevelSafe, true, gate.KindAllow, 10 * time.Second, 30 * time.Second},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := newGate(gate.Limits{Warming: tc.warming}, fakeQuarantine{}, fakeRisk{level: tc.level}, alwaysActive())
			d := g.CanSend(gateNow)
			if d.Kind != tc.wantKind {
				t.Fatalf("decision = %+v, want kind %v", d, tc.wantKind)
			}
			if d.Delay < tc.minDelay || d.Delay > tc.maxDelay {
				t.Fatalf("delay = %v, want within [%v, %v]", d.Delay, tc.minDelay, tc.maxDelay)
			}
		})
	}
}

func TestSharedAccountBudgetAcrossGates(t *testing.T) {
	t.Parallel()

	// Аккаунт в двух кампаниях: гейты разные, Account один. Отправки через
	// первый гейт съедают часовой бюджет второго.
	acct := gate.NewAccount()
	first := gate.New("acc", gate.Limits{MaxPerHour: 2}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe},
		fakeActivity{env: alwaysActive()}, randx.Seeded(1), acct)
	second := gate.New("acc", gate.Limits{MaxPerHour: 3}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe},
		fakeActivity{env: alwaysActive()}, randx.Seeded(2), acct)

	first.RecordSent(gateNow)
	second.RecordSent(gateNow.Add(time.Minute))

	// Эффективный темп аккаунта — минимум из лимитов его кампаний:
	// два в окне блокируют гейт с лимитом 2, но не гейт с лимитом 3.
	if d := first.CanSend(gateNow.Add(2 * time.Minute)); d.Reason != gate.ReasonHourlyLimit {
		t.Fatalf("first gate decision = %+v, want delay/hourly limit on the shared window", d)
	}
	if d := second.CanSend(gateNow.Add(2 * time.Minute)); d.Kind != gate.KindAllow {
		t.Fatalf("second gate decision = %+v, want allow (limit 3, window holds 2)", d)
	}

	// Пожизненные счётчики кампаний при этом раздельные.
	if first.SentTotal() != 1 || second.SentTotal() != 1 {
		t.Fatalf("sent totals = %d/%d, want 1/1 per campaign", first.SentTotal(), second.SentTotal())
	}
}

func TestRestoreSentFeedsAccountCap(t *testing.T) {
	t.Parallel()

	// Перезапуск диспетчеров: счётчик кампании восстановлен из журнала,
	// пожизненный лимит продолжает действовать.
	g := newGate(gate.Limits{MaxPerAccount: 3}, fakeQuarantine{}, fakeRisk{level: risk.LevelSafe}, alwaysActive())
	g.RestoreSent(3)

	d := g.CanSend(gateNow)
	if d.Kind != gate.KindDeny || d.Reason != gate.ReasonAccountCap {
		t.Fatalf("decision = %+v, want deny/account capped after restore", d)
	}
}

func TestCriticalCheckedAfterLimits(t *testing.T) {
	t.Parallel()

	// Часовой лимит стоит раньше рискового уровня: исчерпанный лимит
	// даёт hourly delay, а не critical.
	g := newGate(gate.Limits{MaxPerHour: 1}, fakeQuarantine{}, fakeRisk{level: risk.LevelCritical}, alwaysActive())
	g.RecordSent(gateNow)

	d := g.CanSend(gateNow.Add(time.Minute))
	if d.Reason != gate.ReasonHourlyLimit {
		t.Fatalf("reason = %q, want hourly limit before risk tier", d.Reason)
	}
}
