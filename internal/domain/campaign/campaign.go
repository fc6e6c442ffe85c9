// Package campaign — модель рассылочной кампании и её жизненный цикл.
// Кампания владеет списком целей, набором аккаунтов и расписанием;
// машина состояний фиксирует допустимые переходы, валидатор отсекает
// некорректные спецификации до первой отправки.
package campaign

import (
	"fmt"
	"time"

	"telegram-fleet/internal/domain/message"
	"telegram-fleet/internal/infra/timeutil"

	"github.com/go-faster/errors"
)

// Пределы валидации спецификации кампании.
const (
	maxTargets  = 10000
	maxAccounts = 50
	maxNameLen  = 200
)

// Status — состояние кампании.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Ошибки жизненного цикла.
var (
	// ErrNotFound — кампании с таким идентификатором нет.
	ErrNotFound = errors.New("campaign: not found")
	// ErrConflictingState — переход недопустим из текущего состояния.
	ErrConflictingState = errors.New("campaign: conflicting state")
)

// ValidationError — спецификация кампании не прошла проверку.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campaign validation: %s: %s", e.Field, e.Detail)
}

// Campaign — персистентная запись кампании.
type Campaign struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Template string `json:"template"`
	Status   Status `json:"status"`

	TargetIDs  []int64  `json:"target_ids"`
	AccountIDs []string `json:"account_ids"`

	RateLimitDelay time.Duration `json:"rate_limit_delay"`
	MaxPerHour     int           `json:"max_messages_per_hour"`
	MaxPerAccount  int           `json:"max_messages_per_account"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`

	ActiveHoursStart int    `json:"active_hours_start"` // 0..23; Start==End — круглосуточно
	ActiveHoursEnd   int    `json:"active_hours_end"`
	ActiveDays       []int  `json:"active_days,omitempty"` // 0=воскресенье .. 6=суббота; пусто — все дни
	Timezone         string `json:"timezone"`

	Recurring              bool `json:"recurring"`
	RecurrenceIntervalDays int  `json:"recurrence_interval_days"`

	SentCount    int64 `json:"sent_count"`
	FailedCount  int64 `json:"failed_count"`
	BlockedCount int64 `json:"blocked_count"`

	AutoPaused bool   `json:"auto_paused"` // пауза наложена гейтингом активных часов, не оператором
	LastError  string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// transitions — машина состояний. Cancelled достижим из любого нетерминального
// состояния и проверяется отдельно.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusQueued, StatusRunning},
	StatusQueued:    {StatusRunning},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusError},
	StatusPaused:    {StatusRunning},
	StatusCompleted: {StatusQueued}, // только рекуррентный перезапуск
	StatusError:     {StatusRunning},
}

// CanTransition сообщает, допустим ли переход from → to.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from != StatusCompleted && from != StatusCancelled
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal сообщает, что кампания завершена и больше не планируется
// (рекуррентный completed не терминален).
func (c *Campaign) Terminal() bool {
	switch c.Status {
	case StatusCancelled:
		return true
	case StatusCompleted:
		return !c.Recurring
	default:
		return false
	}
}

// Validate проверяет спецификацию кампании перед созданием.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Detail: "must not be empty"}
	}
	if len(c.Name) > maxNameLen {
		return &ValidationError{Field: "name", Detail: fmt.Sprintf("longer than %d chars", maxNameLen)}
	}
	if len(c.TargetIDs) == 0 {
		return &ValidationError{Field: "target_ids", Detail: "must not be empty"}
	}
	if len(c.TargetIDs) > maxTargets {
		return &ValidationError{Field: "target_ids", Detail: fmt.Sprintf("more than %d targets", maxTargets)}
	}
	if len(c.AccountIDs) == 0 {
		return &ValidationError{Field: "account_ids", Detail: "must not be empty"}
	}
	if len(c.AccountIDs) > maxAccounts {
		return &ValidationError{Field: "account_ids", Detail: fmt.Sprintf("more than %d accounts", maxAccounts)}
	}
	if c.ActiveHoursStart < 0 || c.ActiveHoursStart > 23 {
		return &ValidationError{Field: "active_hours_start", Detail: "must be in [0,23]"}
	}
	if c.ActiveHoursEnd < 0 || c.ActiveHoursEnd > 23 {
		return &ValidationError{Field: "active_hours_end", Detail: "must be in [0,23]"}
	}
	for _, d := range c.ActiveDays {
		if d < 0 || d > 6 {
			return &ValidationError{Field: "active_days", Detail: "days must be in [0,6]"}
		}
	}
	if c.RateLimitDelay < 0 {
		return &ValidationError{Field: "rate_limit_delay", Detail: "must not be negative"}
	}
	if c.Recurring && c.RecurrenceIntervalDays <= 0 {
		return &ValidationError{Field: "recurrence_interval_days", Detail: "must be positive for recurring campaigns"}
	}
	if c.Timezone != "" {
		if _, err := timeutil.ParseLocation(c.Timezone); err != nil {
			return &ValidationError{Field: "timezone", Detail: err.Error()}
		}
	}
	if err := message.ValidateTemplate(c.Template); err != nil {
		return &ValidationError{Field: "template", Detail: err.Error()}
	}
	return nil
}

// Location возвращает таймзону кампании; пустая — UTC.
func (c *Campaign) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := timeutil.ParseLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InActiveHours проверяет, открыто ли окно активности кампании в момент now.
// Окно Start > End трактуется как ночное (например, 22 → 06). scheduled_end
// здесь не учитывается: его обрабатывает планировщик отдельным переходом.
func (c *Campaign) InActiveHours(now time.Time) bool {
	local := now.In(c.Location())
	if len(c.ActiveDays) > 0 {
		ok := false
		for _, d := range c.ActiveDays {
			if int(local.Weekday()) == d {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	start, end := c.ActiveHoursStart, c.ActiveHoursEnd
	if start == end {
		return true
	}
	h := local.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
