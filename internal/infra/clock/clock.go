// Package clock — абстракция времени для детерминированных тестов.
// Все временные решения ядра (активные часы, окна сна, истечение карантина,
// паузы диспетчеров) проходят через Clock, чтобы сценарии можно было
// прогонять на ручных часах без реального ожидания.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock выдаёт текущее время и умеет спать с уважением к контексту.
// Sleep обязан возвращаться немедленно с ошибкой контекста, если тот отменён.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// System возвращает часы на основе time.Now/time.Timer.
func System() Clock { return systemClock{} }

type systemClock struct{}

// Now возвращает текущее системное время.
func (systemClock) Now() time.Time { return time.Now() }

// Sleep блокируется на d либо до отмены контекста.
func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual — ручные часы для тестов: время двигается только явными Advance/Set.
// Sleep не блокируется, а мгновенно продвигает время вперёд — это позволяет
// прогонять многочасовые сценарии кампаний за миллисекунды.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт ручные часы, установленные в start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now возвращает текущее «ручное» время.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep мгновенно продвигает время на d. Контекст всё равно проверяется,
// чтобы остановленные воркеры не продолжали крутить цикл.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		m.Advance(d)
	}
	return nil
}

// Advance сдвигает время вперёд на d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set выставляет абсолютное время. Назад время двигать допустимо только в тестах.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
