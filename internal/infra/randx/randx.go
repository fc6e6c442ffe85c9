// Package randx — инжектируемый источник случайности.
// Джиттер пауз, профили активности и генерация фингерпринтов обязаны
// проходить через Source, чтобы тесты могли фиксировать seed и получать
// воспроизводимые сценарии. Продакшен использует math/rand/v2 (потокобезопасен).
package randx

import (
	rand "math/rand/v2"
	"sync"
)

// Source — минимальный контракт случайности, который нужен ядру.
type Source interface {
	// Float64 возвращает число из [0, 1).
	Float64() float64
	// IntN возвращает целое из [0, n). Паникует при n <= 0 (как math/rand/v2).
	IntN(n int) int
}

// System возвращает источник поверх глобальных функций math/rand/v2.
func System() Source { return systemSource{} }

type systemSource struct{}

func (systemSource) Float64() float64 { return rand.Float64() }
func (systemSource) IntN(n int) int   { return rand.IntN(n) }

// Seeded создаёт детерминированный источник с фиксированным seed.
// rand.Rand не потокобезопасен, поэтому вызовы сериализуются мьютексом:
// для тестовой нагрузки этого достаточно.
func Seeded(seed uint64) Source {
	return &seededSource{rng: rand.New(rand.NewPCG(seed, seed))}
}

type seededSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (s *seededSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *seededSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Uniform возвращает число из [low, high). При high <= low возвращает low.
// Используется для равномерного джиттера задержек (например, 30..120 секунд).
func Uniform(src Source, low, high float64) float64 {
	if high <= low {
		return low
	}
	return low + src.Float64()*(high-low)
}
