// Package quarantine — долговременные карантины аккаунтов.
// Карантин — ограниченный по времени запрет на отправку с аккаунта,
// наложенный движком риска, операторской командой или серией ошибок.
// Активные записи и журнал истории персистятся в bbolt: ядро обязано
// помнить карантины между рестартами.
package quarantine

import (
	"encoding/json"
	"time"
)

// Reason — причина наложения карантина. Замкнутый набор.
type Reason string

const (
	ReasonHighBanRisk     Reason = "high_ban_risk"
	ReasonFloodWait       Reason = "floodwait"
	ReasonRepeatedErrors  Reason = "repeated_errors"
	ReasonPatternDetected Reason = "pattern_detected"
	ReasonManual          Reason = "manual"
)

// Record — активный карантин аккаунта. У аккаунта может быть не больше
// одной активной записи (release_at в будущем).
type Record struct {
	AccountID     string          `json:"account_id"`
	Reason        Reason          `json:"reason"`
	QuarantinedAt time.Time       `json:"quarantined_at"`
	ReleaseAt     time.Time       `json:"release_at"`
	Metrics       json.RawMessage `json:"metrics_json,omitempty"` // снимок метрик на момент наложения
}

// HistoryRecord — строка append-only журнала. released_at заполняется при
// фактическом снятии (sweep или явный Release); для ещё активных записей
// поле пустое.
type HistoryRecord struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Reason          Reason          `json:"reason"`
	QuarantinedAt   time.Time       `json:"quarantined_at"`
	ReleasedAt      *time.Time      `json:"released_at,omitempty"`
	DurationMinutes int             `json:"duration_minutes"`
	Metrics         json.RawMessage `json:"metrics_json,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// Stats — агрегат по истории карантинов одного аккаунта.
type Stats struct {
	TotalQuarantines int
	TotalMinutes     int
	LastQuarantineAt time.Time
}

// EventType — тип события для наблюдателей менеджера.
type EventType string

const (
	EventQuarantined EventType = "quarantined"
	EventReleased    EventType = "released"
)

// Event отдаётся наблюдателям при наложении и снятии карантина.
type Event struct {
	Type   EventType
	Record Record
}

// Observer — колбэк наблюдателя. Не должен блокировать менеджер; паники
// и ошибки наблюдателей логируются и проглатываются.
type Observer func(Event)
