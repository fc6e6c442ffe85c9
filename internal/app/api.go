// Файл api.go — программный фасад платформы.
// Операторские операции над кампаниями и аккаунтами: создание и управление
// кампаниями, статистика, ручные карантины, статус аккаунта. CLI, веб и
// прочие поверхности — вне ядра; они строятся поверх этого фасада.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	telegramadapter "telegram-fleet/internal/adapters/telegram"
	"telegram-fleet/internal/domain/campaign"
	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/domain/quarantine"
	"telegram-fleet/internal/domain/risk"
	"telegram-fleet/internal/infra/logger"

	"github.com/google/uuid"
)

// CampaignStats — агрегированная статистика кампании.
type CampaignStats struct {
	CampaignID string
	Status     campaign.Status
	Targets    int
	ByStatus   map[message.Status]int
	Sent       int64
	Failed     int64
	Blocked    int64
	Excluded   []string // аккаунты, выбывшие по критическому риску
}

// AccountStatus — сводка по аккаунту для оператора.
type AccountStatus struct {
	AccountID      string
	BanProbability float64
	RiskLevel      risk.Level
	IsQuarantined  bool
	ReleaseAt      time.Time
	Sent24h        int
	DiversityScore float64
	Fingerprint    string // краткая сводка: тип клиента и устройство
	Activity       string // краткая сводка: таймзона и окно сна
	Warming        bool
}

// warmingSet — множество прогревающихся аккаунтов. Прогрев — операторская
// пометка: гейт не даёт таким аккаунтам слать без пауз.
type warmingSet struct {
	mu  sync.RWMutex
	set map[string]bool
}

func newWarmingSet() *warmingSet {
	return &warmingSet{set: make(map[string]bool)}
}

func (w *warmingSet) contains(accountID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.set[accountID]
}

func (w *warmingSet) put(accountID string, warming bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if warming {
		w.set[accountID] = true
	} else {
		delete(w.set, accountID)
	}
}

// CreateCampaign валидирует спецификацию и сохраняет кампанию.
// Кампания с запланированным стартом встаёт в очередь планировщика,
// без него — остаётся черновиком до явного запуска.
func (a *App) CreateCampaign(c *campaign.Campaign) (string, error) {
	c.ID = uuid.NewString()
	c.CreatedAt = a.clk.Now()
	if c.ScheduledStart != nil {
		c.Status = campaign.StatusQueued
	} else {
		c.Status = campaign.StatusDraft
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	// Цели без профиля участника не блокируют создание (они завершатся как
	// failed при отправке), но оператора предупреждаем заранее.
	if known, err := a.members.MembersBatch(context.Background(), c.TargetIDs); err == nil && len(known) < len(c.TargetIDs) {
		logger.Warnf("campaign %s: %d of %d targets have no member profile",
			c.ID, len(c.TargetIDs)-len(known), len(c.TargetIDs))
	}
	if err := a.campaigns.Save(c); err != nil {
		return "", err
	}
	return c.ID, nil
}

// StartCampaign немедленно запускает кампанию.
func (a *App) StartCampaign(ctx context.Context, id string) error {
	return a.scheduler.Start(ctx, id)
}

// PauseCampaign ставит кампанию на ручную паузу.
func (a *App) PauseCampaign(id string) error {
	return a.scheduler.Pause(id)
}

// ResumeCampaign снимает кампанию с паузы.
func (a *App) ResumeCampaign(ctx context.Context, id string) error {
	return a.scheduler.Resume(ctx, id)
}

// CancelCampaign отменяет кампанию.
func (a *App) CancelCampaign(id string) error {
	return a.scheduler.Cancel(id)
}

// GetCampaign возвращает кампанию по идентификатору.
func (a *App) GetCampaign(id string) (*campaign.Campaign, error) {
	return a.campaigns.Get(id)
}

// ListCampaigns возвращает кампании, опционально фильтруя по статусу.
func (a *App) ListCampaigns(status campaign.Status) ([]*campaign.Campaign, error) {
	return a.campaigns.List(status)
}

// GetCampaignStats собирает статистику кампании из записи и журнала.
func (a *App) GetCampaignStats(id string) (CampaignStats, error) {
	c, err := a.campaigns.Get(id)
	if err != nil {
		return CampaignStats{}, err
	}
	byStatus, err := a.messages.CountByStatus(id)
	if err != nil {
		return CampaignStats{}, err
	}
	return CampaignStats{
		CampaignID: id,
		Status:     c.Status,
		Targets:    len(c.TargetIDs),
		ByStatus:   byStatus,
		Sent:       c.SentCount,
		Failed:     c.FailedCount,
		Blocked:    c.BlockedCount,
		Excluded:   a.scheduler.Excluded(id),
	}, nil
}

// GetAccountStatus возвращает сводку по аккаунту: риск, карантин,
// фингерпринт и профиль активности.
func (a *App) GetAccountStatus(accountID string) AccountStatus {
	snap := a.riskEng.Status(accountID)
	active, releaseAt := a.quarantine.IsQuarantined(accountID)

	status := AccountStatus{
		AccountID:      accountID,
		BanProbability: snap.BanProbability,
		RiskLevel:      snap.Level,
		IsQuarantined:  active,
		ReleaseAt:      releaseAt,
		Sent24h:        snap.Sent24h,
		DiversityScore: snap.DiversityScore,
		Warming:        a.warming.contains(accountID),
	}
	if fp, ok := a.fingerprints.Get(accountID); ok {
		status.Fingerprint = fmt.Sprintf("%s/%s (rotations: %d)", fp.ClientType, fp.DeviceModel, fp.RotationCount)
	}
	env := a.activity.Envelope(accountID)
	status.Activity = fmt.Sprintf("UTC%+d, sleep %02d:00-%02d:00", env.TimezoneOffset, env.SleepStart, env.SleepEnd)
	return status
}

// QuarantineAccount накладывает ручной карантин.
func (a *App) QuarantineAccount(accountID string, reason quarantine.Reason, duration time.Duration) error {
	if reason == "" {
		reason = quarantine.ReasonManual
	}
	return a.quarantine.Quarantine(accountID, reason, duration, a.riskEng.Status(accountID))
}

// ReleaseAccount снимает карантин досрочно.
func (a *App) ReleaseAccount(accountID string) error {
	return a.quarantine.Release(accountID)
}

// QuarantineStats возвращает агрегат по истории карантинов аккаунта.
func (a *App) QuarantineStats(accountID string) (quarantine.Stats, error) {
	return a.quarantine.Stats(accountID)
}

// SetAccountWarming помечает аккаунт как прогревающийся (или снимает пометку).
func (a *App) SetAccountWarming(accountID string, warming bool) {
	a.warming.put(accountID, warming)
}

// RotateFingerprint вручную ротирует фингерпринт аккаунта.
func (a *App) RotateFingerprint(accountID string) error {
	_, err := a.fingerprints.Rotate(accountID)
	return err
}

// AuthorizeAccount проходит интерактивный вход аккаунта (код подтверждения,
// 2FA), если его сессия ещё не авторизована. Выполняется до запуска кампаний
// с участием аккаунта.
func (a *App) AuthorizeAccount(ctx context.Context, accountID string) error {
	return telegramadapter.Authorize(ctx, a.pool, accountID)
}
