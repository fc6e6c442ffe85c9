package campaign_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"telegram-fleet/internal/domain/activity"
	"telegram-fleet/internal/domain/campaign"
	"telegram-fleet/internal/domain/gate"
	"telegram-fleet/internal/domain/member"
	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/domain/telegramapi"
	"telegram-fleet/internal/infra/clock"
	"telegram-fleet/internal/infra/randx"

	"github.com/go-faster/errors"
)

// Понедельник, разгар дня: вне окон сна, вне выходных.
var dispStart = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

// --- фейки портов ---

type memberMap map[int64]member.Member

func (m memberMap) Member(_ context.Context, id int64) (member.Member, error) {
	mem, ok := m[id]
	if !ok {
		return member.Member{}, errors.New("member not found")
	}
	return mem, nil
}

func (m memberMap) MembersBatch(_ context.Context, ids []int64) ([]member.Member, error) {
	out := make([]member.Member, 0, len(ids))
	for _, id := range ids {
		if mem, ok := m[id]; ok {
			out = append(out, mem)
		}
	}
	return out, nil
}

type sendCall struct {
	AccountID string
	TargetID  int64
	Text      string
}

// fakeSender отвечает по сценарию: на каждую цель — очередь исходов,
// исчерпанная очередь означает успех.
type fakeSender struct {
	mu     sync.Mutex
	calls  []sendCall
	script map[int64][]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{script: make(map[int64][]error)}
}

func (f *fakeSender) SendMessage(_ context.Context, accountID string, targetID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{AccountID: accountID, TargetID: targetID, Text: text})
	if outcomes := f.script[targetID]; len(outcomes) > 0 {
		err := outcomes[0]
		f.script[targetID] = outcomes[1:]
		return err
	}
	return nil
}

func (f *fakeSender) callsFor(targetID int64) []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sendCall
	for _, c := range f.calls {
		if c.TargetID == targetID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeRiskRec — регистратор риска с управляемым уровнем.
type fakeRiskRec struct {
	mu            sync.Mutex
	sends         int
	errKinds      []risk.ErrorKind
	level         risk.Level
	criticalAfter int // уровень становится critical после стольких отправок; 0 — никогда
}

func (f *fakeRiskRec) RecordSend(string, string, int64, time.Time) {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
}

func (f *fakeRiskRec) RecordError(_ string, kind risk.ErrorKind, _ string, _ time.Time) {
	f.mu.Lock()
	f.errKinds = append(f.errKinds, kind)
	f.mu.Unlock()
}

func (f *fakeRiskRec) LevelOf(string) risk.Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.criticalAfter > 0 && f.sends >= f.criticalAfter {
		return risk.LevelCritical
	}
	return f.level
}

func (f *fakeRiskRec) kinds() []risk.ErrorKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]risk.ErrorKind, len(f.errKinds))
	copy(out, f.errKinds)
	return out
}

type noQuarantine struct{}

func (noQuarantine) IsQuarantined(string) (bool, time.Time) { return false, time.Time{} }

type stubActivity struct{ env *activity.Envelope }

func (s stubActivity) Envelope(string) *activity.Envelope { return s.env }

// activeEnvelope — конверт, который всегда пропускает отправку.
func activeEnvelope() *activity.Envelope {
	env := &activity.Envelope{WeekendFactor: 1}
	for h := range env.Hourly {
		env.Hourly[h] = 1
	}
	return env
}

// --- сборка окружения ---

type dispEnv struct {
	clk      *clock.Manual
	store    *campaign.Store
	messages *message.Store
	sender   *fakeSender
	riskRec  *fakeRiskRec
	queue    *campaign.TargetQueue
	camp     *campaign.Campaign
	members  memberMap
	stop     chan struct{}
}

func newDispEnv(t *testing.T, targets []int64) *dispEnv {
	t.Helper()
	db := openTestDB(t)
	clk := clock.NewManual(dispStart)

	camp := validCampaign()
	camp.ID = "camp"
	camp.Status = campaign.StatusRunning
	camp.TargetIDs = targets

	store := campaign.NewStore(db)
	if err := store.Save(&camp); err != nil {
		t.Fatalf("save campaign: %v", err)
	}

	members := make(memberMap, len(targets))
	names := []string{"Иван", "Мария", "Олег", "Анна", "Павел"}
	for i, id := range targets {
		members[id] = member.Member{UserID: id, FirstName: names[i%len(names)]}
	}

	return &dispEnv{
		clk:      clk,
		store:    store,
		messages: message.NewStore(db, clk),
		sender:   newFakeSender(),
		riskRec:  &fakeRiskRec{level: risk.LevelSafe},
		queue:    campaign.NewTargetQueue(targets),
		camp:     &camp,
		members:  members,
		stop:     make(chan struct{}),
	}
}

func (e *dispEnv) dispatcher(limits gate.Limits, env *activity.Envelope, onCritical func(string)) *campaign.Dispatcher {
	g := gate.New("acc-1", limits, noQuarantine{}, e.riskRec, stubActivity{env: env}, randx.Seeded(1), gate.NewAccount())
	return campaign.NewDispatcher(e.camp, "acc-1", campaign.DispatcherDeps{
		Queue:      e.queue,
		Gate:       g,
		Members:    e.members,
		Sender:     e.sender,
		Messages:   e.messages,
		Risk:       e.riskRec,
		Store:      e.store,
		Clock:      e.clk,
		Rand:       randx.Seeded(2),
		Stop:       e.stop,
		OnCritical: onCritical,
	})
}

// --- сценарии ---

func TestDispatcherDeliversQueue(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2, 3})
	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	if got := e.sender.total(); got != 3 {
		t.Fatalf("sender calls = %d, want 3", got)
	}
	if call := e.sender.callsFor(1)[0]; call.Text != "Привет, Иван!" {
		t.Fatalf("rendered text = %q, want personalized greeting", call.Text)
	}

	counts, err := e.messages.CountByStatus("camp")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[message.StatusSent] != 3 {
		t.Fatalf("sent rows = %d, want 3 (all: %v)", counts[message.StatusSent], counts)
	}

	c, err := e.store.Get("camp")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.SentCount != 3 || c.FailedCount != 0 || c.BlockedCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 3/0/0", c.SentCount, c.FailedCount, c.BlockedCount)
	}
}

func TestDispatcherSkipsClaimedTargets(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2, 3})
	// Цель 2 уже захвачена другим воркером (или прошлым запуском).
	if err := e.messages.Insert("camp", 2, "acc-other"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	if got := e.sender.callsFor(2); got != nil {
		t.Fatalf("claimed target was sent to: %v", got)
	}
	if got := e.sender.total(); got != 2 {
		t.Fatalf("sender calls = %d, want 2", got)
	}
	rec, err := e.messages.Get("camp", 2)
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	if rec.AccountID != "acc-other" || rec.Status != message.StatusPending {
		t.Fatalf("foreign claim disturbed: %#v", rec)
	}
}

func TestDispatcherFloodWaitRequeues(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2})
	e.sender.script[1] = []error{&telegramapi.FloodWaitError{Seconds: 30}}

	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	// Первая попытка упёрлась во floodwait, цель вернулась и была дослана.
	if got := len(e.sender.callsFor(1)); got != 2 {
		t.Fatalf("calls for target 1 = %d, want 2", got)
	}
	rec, err := e.messages.Get("camp", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != message.StatusSent {
		t.Fatalf("target 1 status = %q, want sent", rec.Status)
	}

	kinds := e.riskRec.kinds()
	if len(kinds) != 1 || kinds[0] != risk.KindFloodWait {
		t.Fatalf("risk errors = %v, want single floodwait", kinds)
	}
	// Пауза floodwait (30с + джиттер) прошла через часы.
	if e.clk.Now().Sub(dispStart) < 30*time.Second {
		t.Fatalf("clock advanced only %v, floodwait pause not honored", e.clk.Now().Sub(dispStart))
	}
}

func TestDispatcherErrorOutcomes(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2, 3, 4})
	e.sender.script[1] = []error{telegramapi.ErrUserBlocked}
	e.sender.script[2] = []error{telegramapi.ErrPrivacyRestricted}
	e.sender.script[3] = []error{telegramapi.ErrPeerInvalid}
	e.sender.script[4] = []error{errors.New("internal: connection reset")}

	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	wantStatuses := map[int64]message.Status{
		1: message.StatusBlocked,
		2: message.StatusPrivacyRestricted,
		3: message.StatusInvalidUser,
		4: message.StatusFailed,
	}
	for target, want := range wantStatuses {
		rec, err := e.messages.Get("camp", target)
		if err != nil {
			t.Fatalf("get %d: %v", target, err)
		}
		if rec.Status != want {
			t.Fatalf("target %d status = %q, want %q", target, rec.Status, want)
		}
		if rec.Error == "" {
			t.Fatalf("target %d has empty error text", target)
		}
	}

	c, err := e.store.Get("camp")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if c.SentCount != 0 || c.FailedCount != 2 || c.BlockedCount != 2 {
		t.Fatalf("counters = %d/%d/%d, want 0/2/2", c.SentCount, c.FailedCount, c.BlockedCount)
	}
}

func TestDispatcherCriticalRiskExits(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2, 3})
	e.riskRec.criticalAfter = 1

	var excluded []string
	e.dispatcher(gate.Limits{}, activeEnvelope(), func(accountID string) {
		excluded = append(excluded, accountID)
	}).Run(context.Background())

	if got := e.sender.total(); got != 1 {
		t.Fatalf("sender calls = %d, want 1 (account leaves after first send)", got)
	}
	if len(excluded) != 1 || excluded[0] != "acc-1" {
		t.Fatalf("excluded = %v, want [acc-1]", excluded)
	}
	// Оставшиеся цели не потеряны: их доберут другие аккаунты.
	if e.queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", e.queue.Len())
	}
}

func TestDispatcherAccountCapStops(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2, 3})
	e.dispatcher(gate.Limits{MaxPerAccount: 1}, activeEnvelope(), nil).Run(context.Background())

	if got := e.sender.total(); got != 1 {
		t.Fatalf("sender calls = %d, want 1", got)
	}
	counts, err := e.messages.CountByStatus("camp")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[message.StatusSent] != 1 {
		t.Fatalf("sent rows = %d, want 1", counts[message.StatusSent])
	}
	// Цель, снятую перед упором в лимит, диспетчер вернул: её добьют
	// другие аккаунты кампании.
	if e.queue.Len() != 2 {
		t.Fatalf("queue len = %d, want 2 (popped target returned on cap)", e.queue.Len())
	}
}

func TestDispatcherPausesAfterFailedAttempt(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2})
	e.camp.RateLimitDelay = 120 * time.Second
	e.sender.script[1] = []error{errors.New("internal: connection reset")}

	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	if got := e.sender.total(); got != 2 {
		t.Fatalf("sender calls = %d, want 2", got)
	}
	// Межотправочная пауза выдерживается и после неудачной попытки:
	// fail + success — две паузы ~120с (±1с джиттера).
	elapsed := e.clk.Now().Sub(dispStart)
	if elapsed < 238*time.Second || elapsed > 242*time.Second {
		t.Fatalf("elapsed = %v, want about 240s (pause after every attempt)", elapsed)
	}
}

func TestDispatcherWaitsOutSleepWindow(t *testing.T) {
	t.Parallel()

	env := activeEnvelope()
	env.SleepStart = 13
	env.SleepEnd = 16 // старт сценария в 14:00 — аккаунт спит

	e := newDispEnv(t, []int64{1, 2})
	e.dispatcher(gate.Limits{}, env, nil).Run(context.Background())

	if got := e.sender.total(); got != 2 {
		t.Fatalf("sender calls = %d, want 2", got)
	}
	// Отправки начались не раньше конца окна сна.
	if e.clk.Now().Hour() < 16 {
		t.Fatalf("clock at %v, sends happened inside sleep window", e.clk.Now())
	}
	counts, err := e.messages.CountByStatus("camp")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[message.StatusSent] != 2 {
		t.Fatalf("sent rows = %d, want 2", counts[message.StatusSent])
	}
}

func TestDispatcherStopSignal(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2, 3})
	close(e.stop)
	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	if got := e.sender.total(); got != 0 {
		t.Fatalf("sender calls = %d, want 0 after stop", got)
	}
	if e.queue.Len() != 3 {
		t.Fatalf("queue len = %d, want 3 (targets preserved)", e.queue.Len())
	}
}

func TestDispatcherRateLimitPause(t *testing.T) {
	t.Parallel()

	e := newDispEnv(t, []int64{1, 2})
	e.camp.RateLimitDelay = 120 * time.Second

	e.dispatcher(gate.Limits{}, activeEnvelope(), nil).Run(context.Background())

	if got := e.sender.total(); got != 2 {
		t.Fatalf("sender calls = %d, want 2", got)
	}
	// Две успешные отправки — две межотправочные паузы ~120с (±1с джиттера).
	elapsed := e.clk.Now().Sub(dispStart)
	if elapsed < 238*time.Second || elapsed > 242*time.Second {
		t.Fatalf("elapsed = %v, want about 240s of rate limit pauses", elapsed)
	}
}
