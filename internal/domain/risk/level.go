// Package risk — движок оценки риска бана по поведенческим сигналам.
// Для каждого аккаунта поддерживаются скользящие счётчики (1 час / 24 часа),
// скоры разнообразия и паттернов, из которых детерминированно выводится
// ban probability и уровень риска. Вероятность — эвристический скор,
// а не калиброванная оценка; константы формулы вынесены в Config.
package risk

// Level — уровень риска аккаунта, производный от ban probability
// и состояния карантина.
type Level string

// Уровни риска от безопасного к заблокированному. LevelQuarantined
// перекрывает любой расчётный уровень, пока у аккаунта активен карантин.
const (
	LevelSafe        Level = "safe"
	LevelLow         Level = "low"
	LevelModerate    Level = "moderate"
	LevelHigh        Level = "high"
	LevelCritical    Level = "critical"
	LevelQuarantined Level = "quarantined"
)

// ErrorKind классифицирует ошибку отправки для рисковых счётчиков.
type ErrorKind string

const (
	KindFloodWait         ErrorKind = "floodwait"
	KindUserBlocked       ErrorKind = "user_blocked"
	KindPrivacyRestricted ErrorKind = "privacy_restricted"
	KindInvalidUser       ErrorKind = "invalid_user"
	KindGeneric           ErrorKind = "generic"
)

// Причины карантина, которые формирует движок. Значения совпадают с
// таксономией менеджера карантина.
const (
	ReasonHighBanRisk     = "high_ban_risk"
	ReasonFloodWait       = "floodwait"
	ReasonRepeatedErrors  = "repeated_errors"
	ReasonPatternDetected = "pattern_detected"
)
