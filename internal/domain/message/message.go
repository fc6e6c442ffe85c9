// Package message — журнал исходящих сообщений кампаний и шаблонизатор текста.
// Каждая пара (кампания, получатель) имеет не больше одной строки журнала:
// это инвариант идемпотентности, на котором держится защита от повторной
// отправки после рестарта.
package message

import "time"

// Status — терминальное или промежуточное состояние сообщения.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSent              Status = "sent"
	StatusFailed            Status = "failed"
	StatusBlocked           Status = "blocked"
	StatusPrivacyRestricted Status = "privacy_restricted"
	StatusInvalidUser       Status = "invalid_user"
	StatusRateLimited       Status = "rate_limited"
)

// Terminal сообщает, является ли статус конечным для получателя:
// такие строки никогда не переотправляются.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusBlocked, StatusPrivacyRestricted, StatusInvalidUser:
		return true
	default:
		return false
	}
}

// CampaignMessage — строка журнала отправок.
type CampaignMessage struct {
	CampaignID  string     `json:"campaign_id"`
	TargetID    int64      `json:"target_id"`
	AccountID   string     `json:"account_id"`
	MessageText string     `json:"message_text"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}
