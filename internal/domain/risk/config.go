// Файл config.go — «ручки» рисковой формулы.
// Константы v1 взяты как базовая калибровка и намеренно не зашиты по месту:
// операторы подкручивают пороги без пересборки, тесты фиксируют их целиком.
package risk

import "time"

// Config — пороги и веса формулы ban probability, правила автокарантина
// и размеры окон анализа разнообразия. Нулевое значение НЕ валидно,
// используйте DefaultConfig как основу.
type Config struct {
	// Пороги объёма за 1 час: превышение High/Med/Low добавляет соответствующий вес.
	HourHigh    int
	HourMed     int
	HourLow     int
	HourHighAdd float64
	HourMedAdd  float64
	HourLowAdd  float64

	// Пороги объёма за 24 часа.
	DayHigh    int
	DayMed     int
	DayLow     int
	DayHighAdd float64
	DayMedAdd  float64
	DayLowAdd  float64

	// DiversityWeight — вес вклада (1 − diversity_score).
	DiversityWeight float64

	// Доля ошибок за 24 часа: превышение High/Med добавляет вес.
	ErrRateHigh    float64
	ErrRateMed     float64
	ErrRateHighAdd float64
	ErrRateMedAdd  float64

	// FLOOD_WAIT за 24 часа: превышение High/Med/Low добавляет вес.
	FloodHigh    int
	FloodMed     int
	FloodLow     int
	FloodHighAdd float64
	FloodMedAdd  float64
	FloodLowAdd  float64

	// Переиспользование получателей: sent24h/unique24h > ReuseRatio добавляет ReuseAdd.
	ReuseRatio float64
	ReuseAdd   float64

	// Веса вкладов (1 − score) паттернов ответов и таймингов.
	ResponseWeight float64
	TimingWeight   float64

	// Пороги уровней риска по убыванию.
	CriticalAt float64
	HighAt     float64
	ModerateAt float64
	LowAt      float64

	// Автокарантин: порог вероятности и длительности по диапазонам p.
	AutoQuarantineAt   float64
	QuarantineSevere   time.Duration // p ≥ 0.8
	QuarantineHigh     time.Duration // 0.7 ≤ p < 0.8
	QuarantineModerate time.Duration // 0.6 ≤ p < 0.7

	// Принудительный карантин по серии FLOOD_WAIT: после ForceFloodCount
	// подряд за 24 часа — на PerFlood × floodwait_24h.
	ForceFloodCount int
	PerFlood        time.Duration

	// Детектор спам-паттернов (анализатор разнообразия).
	SpamProbabilityBoost float64       // добавка к p при сработавшем детекторе
	SpamQuarantine       time.Duration // длительность карантина pattern_detected
	WindowSize           int           // размер кольца последних сообщений
	TemplateCap          int           // максимум хранимых уникальных шаблонов
	PairSample           int           // пар для оценки средней близости Жаккара
	DuplicateThreshold   int           // точных дублей в окне для спама
	DominanceRatio       float64       // доля доминирующего шаблона для спама
	DominanceMinWindow   int           // минимальный размер окна для проверки доминирования
}

// DefaultConfig возвращает базовую калибровку v1.
func DefaultConfig() Config {
	return Config{
		HourHigh: 50, HourMed: 30, HourLow: 20,
		HourHighAdd: 0.30, HourMedAdd: 0.15, HourLowAdd: 0.05,

		DayHigh: 500, DayMed: 200, DayLow: 100,
		DayHighAdd: 0.30, DayMedAdd: 0.15, DayLowAdd: 0.05,

		DiversityWeight: 0.2,

		ErrRateHigh: 0.1, ErrRateMed: 0.05,
		ErrRateHighAdd: 0.20, ErrRateMedAdd: 0.10,

		FloodHigh: 5, FloodMed: 2, FloodLow: 0,
		FloodHighAdd: 0.30, FloodMedAdd: 0.15, FloodLowAdd: 0.05,

		ReuseRatio: 10, ReuseAdd: 0.10,

		ResponseWeight: 0.1, TimingWeight: 0.1,

		CriticalAt: 0.7, HighAt: 0.5, ModerateAt: 0.3, LowAt: 0.1,

		AutoQuarantineAt:   0.6,
		QuarantineSevere:   240 * time.Minute,
		QuarantineHigh:     120 * time.Minute,
		QuarantineModerate: 60 * time.Minute,

		ForceFloodCount: 3,
		PerFlood:        60 * time.Minute,

		SpamProbabilityBoost: 0.1,
		SpamQuarantine:       30 * time.Minute,
		WindowSize:           100,
		TemplateCap:          50,
		PairSample:           20,
		DuplicateThreshold:   5,
		DominanceRatio:       0.7,
		DominanceMinWindow:   10,
	}
}

// LevelFor переводит вероятность в уровень риска (без учёта карантина).
func (c Config) LevelFor(p float64) Level {
	switch {
	case p >= c.CriticalAt:
		return LevelCritical
	case p >= c.HighAt:
		return LevelHigh
	case p >= c.ModerateAt:
		return LevelModerate
	case p >= c.LowAt:
		return LevelLow
	default:
		return LevelSafe
	}
}

// QuarantineDuration возвращает длительность автокарантина для вероятности p.
// Вызывается только при p ≥ AutoQuarantineAt.
func (c Config) QuarantineDuration(p float64) time.Duration {
	switch {
	case p >= 0.8:
		return c.QuarantineSevere
	case p >= c.CriticalAt:
		return c.QuarantineHigh
	default:
		return c.QuarantineModerate
	}
}
